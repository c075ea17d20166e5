// Package pool implements the connection pool described in spec.md §4.4:
// at most one live handle per connection ID, created lazily on first
// acquire and reused by every device that shares that connection, evicted
// on idle timeout or failed health check.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Handle is a live protocol connection. Each adapter (mqtt/http/kafka)
// supplies its own implementation; the pool only needs to know whether a
// handle is still usable and how to tear it down.
type Handle interface {
	Healthy(ctx context.Context) bool
	Close() error
}

// Factory dials a new Handle for a connection, given its decrypted config.
// Supplied by the adapter registry so the pool stays protocol-agnostic.
type Factory func(ctx context.Context, connectionID string, config map[string]any) (Handle, error)

// ErrClosed is returned by every method once the pool has been closed.
var ErrClosed = errors.New("pool: closed")

type poolEntry struct {
	mu          sync.Mutex
	handle      Handle
	lastUsedAt  time.Time
	refCount    int
	invalidated bool
}

// Pool holds at most one Handle per connection ID (spec.md §4.4 invariant
// "single entry per connection id"). Acquire/Release/Invalidate operate
// under a per-entry lock; the pool's own lock only guards the entries map
// itself, so two different connections never contend on each other.
type Pool struct {
	maxIdle         time.Duration
	healthCheckPeriod time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool. maxIdle is how long an unreferenced handle may sit
// before EvictIdle evicts it; healthCheckPeriod is how often the
// background sweep calls HealthCheckAll (spec.md §6.5 defaults: 300s /
// 60s).
func New(maxIdle, healthCheckPeriod time.Duration) *Pool {
	return &Pool{
		maxIdle:           maxIdle,
		healthCheckPeriod: healthCheckPeriod,
		entries:           make(map[string]*poolEntry),
		stopCh:            make(chan struct{}),
	}
}

// Start launches the background idle-eviction and health-check sweep.
func (p *Pool) Start(ctx context.Context, factory Factory) {
	p.wg.Add(1)
	go p.sweepLoop(ctx, factory)
}

func (p *Pool) sweepLoop(ctx context.Context, factory Factory) {
	defer p.wg.Done()
	if p.healthCheckPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(p.healthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.EvictIdle()
			p.HealthCheckAll(ctx)
		}
	}
}

// Stop halts the background sweep without closing tracked handles.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
}

// Acquire returns the live handle for connectionID, dialing a new one via
// factory if none exists or the existing one failed its last health check.
// The returned release func must be called exactly once when the caller is
// done with the handle. If connectionID is invalidated between lookup and
// lock (a concurrent Invalidate), Acquire retries against the entry that
// replaces it rather than dialing onto the orphaned one.
func (p *Pool) Acquire(ctx context.Context, connectionID string, config map[string]any, factory Factory) (Handle, func(), error) {
	entry, err := p.entryFor(connectionID)
	if err != nil {
		return nil, nil, err
	}

	entry.mu.Lock()
	if entry.invalidated {
		// Invalidate removed this entry from the map between entryFor and
		// this lock acquisition; entryFor will mint a fresh entry.
		entry.mu.Unlock()
		return p.Acquire(ctx, connectionID, config, factory)
	}
	defer entry.mu.Unlock()

	if entry.handle == nil {
		h, err := factory(ctx, connectionID, config)
		if err != nil {
			return nil, nil, fmt.Errorf("pool: dial %s: %w", connectionID, err)
		}
		entry.handle = h
	}
	entry.refCount++
	entry.lastUsedAt = time.Now()

	handle := entry.handle
	release := func() {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		entry.refCount--
		entry.lastUsedAt = time.Now()
	}
	return handle, release, nil
}

func (p *Pool) entryFor(connectionID string) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	e, ok := p.entries[connectionID]
	if !ok {
		e = &poolEntry{lastUsedAt: time.Now()}
		p.entries[connectionID] = e
	}
	return e, nil
}

// Invalidate closes and removes connectionID's handle immediately,
// regardless of in-flight references, per spec.md §4.10's requirement that
// a tripped circuit breaker force the next dispatch to redial.
func (p *Pool) Invalidate(connectionID string) {
	p.mu.Lock()
	e, ok := p.entries[connectionID]
	if ok {
		delete(p.entries, connectionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidated = true
	if e.handle != nil {
		e.handle.Close()
		e.handle = nil
	}
}

// EvictIdle closes and removes every handle that has had zero references
// for longer than maxIdle.
func (p *Pool) EvictIdle() {
	now := time.Now()
	p.mu.Lock()
	var stale []string
	for id, e := range p.entries {
		e.mu.Lock()
		idle := e.refCount == 0 && e.handle != nil && now.Sub(e.lastUsedAt) > p.maxIdle
		e.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.Invalidate(id)
	}
}

// HealthCheckAll calls Healthy on every currently tracked handle and
// invalidates any that fail, so the next Acquire redials.
func (p *Pool) HealthCheckAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		e, ok := p.entries[id]
		p.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		h := e.handle
		e.mu.Unlock()
		if h == nil {
			continue
		}
		if !h.Healthy(ctx) {
			p.Invalidate(id)
		}
	}
}

// CloseAll closes every tracked handle and marks the pool closed; further
// Acquire calls return ErrClosed.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.handle != nil {
			e.handle.Close()
			e.handle = nil
		}
		e.mu.Unlock()
	}
}

// Len returns the number of connection IDs currently tracked, for
// observability (spec.md §6.4).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
