// Package cache holds the two short-lived caches spec.md §4.11 requires in
// front of the metadata store: connection config (TTL-bound, no
// revalidation beyond expiry) and dataset rows (TTL-bound, but revalidated
// against the backing file's mtime/size so a replaced dataset file is
// picked up without waiting out the full TTL). Both are read-through:
// callers supply a loader, and the cache only decides whether a cached
// entry is still usable.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
)

// Clock abstracts time.Now for deterministic tests, matching the pattern
// the teacher's evictor uses for TTL math.
type Clock func() time.Time

// ConnectionCache caches metadatastore.Connection by ID for a fixed TTL
// (spec.md §6.5 default: 30s).
type ConnectionCache struct {
	ttl   time.Duration
	clock Clock

	mu      sync.Mutex
	entries map[string]connEntry
}

type connEntry struct {
	conn      metadatastore.Connection
	expiresAt time.Time
}

// NewConnectionCache returns a cache with the given TTL, using time.Now.
func NewConnectionCache(ttl time.Duration) *ConnectionCache {
	return &ConnectionCache{ttl: ttl, clock: time.Now, entries: make(map[string]connEntry)}
}

// Get returns a connection, loading it via load on a cache miss or expiry.
func (c *ConnectionCache) Get(ctx context.Context, id string, load func(context.Context, string) (metadatastore.Connection, error)) (metadatastore.Connection, error) {
	conn, _, err := c.GetWithHit(ctx, id, load)
	return conn, err
}

// GetWithHit behaves like Get but additionally reports whether the entry
// was served from cache, for observability (spec.md §6.4's
// cache_hits_total/cache_misses_total).
func (c *ConnectionCache) GetWithHit(ctx context.Context, id string, load func(context.Context, string) (metadatastore.Connection, error)) (metadatastore.Connection, bool, error) {
	now := c.clock()

	c.mu.Lock()
	if e, ok := c.entries[id]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.conn, true, nil
	}
	c.mu.Unlock()

	conn, err := load(ctx, id)
	if err != nil {
		return metadatastore.Connection{}, false, err
	}

	c.mu.Lock()
	c.entries[id] = connEntry{conn: conn, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return conn, false, nil
}

// Invalidate evicts a single connection immediately. Pool invalidation in
// the scheduler and control handler does not call it; a cached connection
// otherwise stays until its TTL expires.
func (c *ConnectionCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// DatasetCache caches parsed dataset rows for a fixed TTL, revalidated
// against the backing file's modtime and size (spec.md §4.11 "a dataset
// hash derived from file modtime and size").
type DatasetCache struct {
	ttl   time.Duration
	clock Clock
	stat  func(path string) (modTime time.Time, size int64, err error)

	mu      sync.Mutex
	entries map[string]datasetEntry
}

type datasetEntry struct {
	rows      []blobstore.Row
	hash      string
	expiresAt time.Time
}

// NewDatasetCache returns a cache with the given TTL backed by os.Stat.
func NewDatasetCache(ttl time.Duration) *DatasetCache {
	return &DatasetCache{
		ttl:     ttl,
		clock:   time.Now,
		stat:    statFile,
		entries: make(map[string]datasetEntry),
	}
}

// Get returns a dataset's rows, loading them via load if the cache has
// expired or the backing file's hash has changed since the entry was
// cached. resolvedPath is the filesystem path blobstore.Store.ResolvePath
// would return, used purely for the stat-based hash check.
func (c *DatasetCache) Get(ctx context.Context, datasetID, resolvedPath string, load func(context.Context) ([]blobstore.Row, error)) ([]blobstore.Row, error) {
	rows, _, err := c.GetWithHit(ctx, datasetID, resolvedPath, load)
	return rows, err
}

// GetWithHit behaves like Get but additionally reports whether the rows
// were served from cache, for observability (spec.md §6.4's
// cache_hits_total/cache_misses_total).
func (c *DatasetCache) GetWithHit(ctx context.Context, datasetID, resolvedPath string, load func(context.Context) ([]blobstore.Row, error)) ([]blobstore.Row, bool, error) {
	now := c.clock()
	hash := c.currentHash(resolvedPath)

	c.mu.Lock()
	if e, ok := c.entries[datasetID]; ok && now.Before(e.expiresAt) && e.hash == hash {
		c.mu.Unlock()
		return e.rows, true, nil
	}
	c.mu.Unlock()

	rows, err := load(ctx)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.entries[datasetID] = datasetEntry{rows: rows, hash: hash, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return rows, false, nil
}

// currentHash returns "" when the file can't be stat'd (e.g. it no longer
// exists), which deliberately never matches a previously cached hash and so
// forces a reload (and a load-time error the caller can act on).
func (c *DatasetCache) currentHash(path string) string {
	modTime, size, err := c.stat(path)
	if err != nil {
		return ""
	}
	return hashOf(modTime, size)
}

func hashOf(modTime time.Time, size int64) string {
	return modTime.UTC().Format(time.RFC3339Nano) + ":" + itoa(size)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Invalidate evicts a single dataset immediately.
func (c *DatasetCache) Invalidate(datasetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, datasetID)
}
