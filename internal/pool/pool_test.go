package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHandle struct {
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{}
	h.healthy.Store(true)
	return h
}

func (h *fakeHandle) Healthy(context.Context) bool { return h.healthy.Load() }
func (h *fakeHandle) Close() error                 { h.closed.Store(true); return nil }

func TestAcquireDialsOnceAndReusesHandle(t *testing.T) {
	p := New(time.Minute, 0)
	dials := 0
	factory := func(ctx context.Context, id string, cfg map[string]any) (Handle, error) {
		dials++
		return newFakeHandle(), nil
	}

	ctx := context.Background()
	h1, release1, err := p.Acquire(ctx, "conn-1", nil, factory)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release1()

	h2, release2, err := p.Acquire(ctx, "conn-1", nil, factory)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release2()

	if h1 != h2 {
		t.Fatal("expected same handle reused")
	}
	if dials != 1 {
		t.Fatalf("expected factory dialed once, got %d", dials)
	}
}

func TestAcquireFailsAfterClose(t *testing.T) {
	p := New(time.Minute, 0)
	p.CloseAll()

	_, _, err := p.Acquire(context.Background(), "conn-1", nil, func(context.Context, string, map[string]any) (Handle, error) {
		return newFakeHandle(), nil
	})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestInvalidateClosesHandleAndForcesRedial(t *testing.T) {
	p := New(time.Minute, 0)
	var dialed []*fakeHandle
	factory := func(ctx context.Context, id string, cfg map[string]any) (Handle, error) {
		h := newFakeHandle()
		dialed = append(dialed, h)
		return h, nil
	}

	ctx := context.Background()
	h1, release1, _ := p.Acquire(ctx, "conn-1", nil, factory)
	release1()
	p.Invalidate("conn-1")

	if !dialed[0].closed.Load() {
		t.Fatal("expected first handle closed on invalidate")
	}

	h2, release2, err := p.Acquire(ctx, "conn-1", nil, factory)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release2()
	if h1 == h2 {
		t.Fatal("expected a freshly dialed handle after invalidate")
	}
	if len(dialed) != 2 {
		t.Fatalf("expected 2 dials total, got %d", len(dialed))
	}
}

// TestAcquireRetriesWhenEntryInvalidatedBeforeLock reproduces the race where
// Acquire resolves an entry via entryFor, then a concurrent Invalidate
// removes that same entry from the map and closes it before Acquire gets
// the entry's lock. Without the invalidated check, Acquire would dial a
// fresh handle onto the orphaned entry and leak it.
func TestAcquireRetriesWhenEntryInvalidatedBeforeLock(t *testing.T) {
	p := New(time.Minute, 0)

	entry, err := p.entryFor("conn-1")
	if err != nil {
		t.Fatalf("entryFor: %v", err)
	}
	entry.mu.Lock() // blocks Acquire's goroutine right where Invalidate would race it

	var dialed []*fakeHandle
	factory := func(ctx context.Context, id string, cfg map[string]any) (Handle, error) {
		h := newFakeHandle()
		dialed = append(dialed, h)
		return h, nil
	}

	result := make(chan Handle, 1)
	go func() {
		h, release, err := p.Acquire(context.Background(), "conn-1", nil, factory)
		if err != nil {
			t.Errorf("Acquire: %v", err)
			return
		}
		release()
		result <- h
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine block on entry.mu

	p.mu.Lock()
	delete(p.entries, "conn-1")
	p.mu.Unlock()
	entry.invalidated = true
	entry.mu.Unlock()

	select {
	case h := <-result:
		if len(dialed) != 1 {
			t.Fatalf("expected exactly one dial, got %d", len(dialed))
		}
		if h != dialed[0] {
			t.Fatal("expected Acquire to return the freshly dialed handle, not one stored on the orphaned entry")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return")
	}

	if p.Len() != 1 {
		t.Fatalf("expected exactly one live entry tracked, got %d", p.Len())
	}
}

func TestHealthCheckAllInvalidatesUnhealthyHandles(t *testing.T) {
	p := New(time.Minute, 0)
	var fh *fakeHandle
	factory := func(ctx context.Context, id string, cfg map[string]any) (Handle, error) {
		fh = newFakeHandle()
		return fh, nil
	}

	ctx := context.Background()
	_, release, _ := p.Acquire(ctx, "conn-1", nil, factory)
	release()

	fh.healthy.Store(false)
	p.HealthCheckAll(ctx)

	if !fh.closed.Load() {
		t.Fatal("expected unhealthy handle closed")
	}
	if p.Len() != 0 {
		t.Fatalf("expected entry removed after failed health check, got Len=%d", p.Len())
	}
}

func TestEvictIdleOnlyEvictsUnreferencedStaleEntries(t *testing.T) {
	p := New(time.Millisecond, 0)
	var fh *fakeHandle
	factory := func(ctx context.Context, id string, cfg map[string]any) (Handle, error) {
		fh = newFakeHandle()
		return fh, nil
	}

	ctx := context.Background()
	_, release, _ := p.Acquire(ctx, "conn-1", nil, factory)
	release()
	time.Sleep(5 * time.Millisecond)

	p.EvictIdle()
	if !fh.closed.Load() {
		t.Fatal("expected idle handle evicted")
	}
}

func TestEvictIdleSkipsHandlesStillInUse(t *testing.T) {
	p := New(time.Millisecond, 0)
	factory := func(ctx context.Context, id string, cfg map[string]any) (Handle, error) {
		return newFakeHandle(), nil
	}

	ctx := context.Background()
	_, _, _ = p.Acquire(ctx, "conn-1", nil, factory) // never released: refCount stays 1
	time.Sleep(5 * time.Millisecond)

	p.EvictIdle()
	if p.Len() != 1 {
		t.Fatalf("expected in-use entry retained, got Len=%d", p.Len())
	}
}

func TestCloseAllClosesEveryHandle(t *testing.T) {
	p := New(time.Minute, 0)
	var handles []*fakeHandle
	factory := func(ctx context.Context, id string, cfg map[string]any) (Handle, error) {
		h := newFakeHandle()
		handles = append(handles, h)
		return h, nil
	}

	ctx := context.Background()
	_, r1, _ := p.Acquire(ctx, "conn-1", nil, factory)
	r1()
	_, r2, _ := p.Acquire(ctx, "conn-2", nil, factory)
	r2()

	p.CloseAll()
	for i, h := range handles {
		if !h.closed.Load() {
			t.Fatalf("expected handle %d closed", i)
		}
	}
}
