package control

import (
	"context"
	"testing"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/adapter"
	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/breaker"
	"github.com/joluben/iotdevsim-transmission/internal/cache"
	"github.com/joluben/iotdevsim-transmission/internal/device"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore/memstore"
	"github.com/joluben/iotdevsim-transmission/internal/monitor"
	"github.com/joluben/iotdevsim-transmission/internal/pool"
)

// stubAdapter is a minimal adapter.Adapter fake for exercising
// Handler.TestConnection without a real network dial.
type stubAdapter struct{ dialErr error }

type stubHandle struct{}

func (stubHandle) Healthy(context.Context) bool { return true }
func (stubHandle) Close() error                 { return nil }

func (a *stubAdapter) ValidateConfig(map[string]any) error { return nil }
func (a *stubAdapter) Dial(ctx context.Context, id string, cfg map[string]any) (pool.Handle, error) {
	if a.dialErr != nil {
		return nil, a.dialErr
	}
	return stubHandle{}, nil
}
func (a *stubAdapter) Publish(ctx context.Context, cfg map[string]any, topic string, payload []byte) (adapter.PublishResult, error) {
	return adapter.PublishResult{}, nil
}
func (a *stubAdapter) PublishPooled(ctx context.Context, h pool.Handle, topic string, payload []byte) (adapter.PublishResult, error) {
	return adapter.PublishResult{}, nil
}

func testHandler(t *testing.T) (*Handler, *memstore.Store, *device.Map) {
	t.Helper()
	store := memstore.New()
	devices := device.NewMap()
	blobs := blobstore.New(t.TempDir())
	datasets := cache.NewDatasetCache(time.Minute)
	m := monitor.New(store, blobs, datasets, devices, nil, time.Second, 100)
	return New(m, devices, store, nil), store, devices
}

func TestStartAdoptsEligibleDevice(t *testing.T) {
	h, store, devices := testHandler(t)
	store.PutConnection(metadatastore.Connection{ID: "conn-1", Protocol: metadatastore.ProtocolHTTP})
	store.PutDevice(metadatastore.Device{
		ID: "dev-1", ConnectionID: "conn-1", IsActive: true, TransmissionEnabled: true,
	})

	if err := h.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !devices.Has("dev-1") {
		t.Fatal("expected dev-1 adopted into the runtime map")
	}
}

func TestStartOnIneligibleDeviceIsNoop(t *testing.T) {
	h, store, devices := testHandler(t)
	store.PutDevice(metadatastore.Device{ID: "dev-1", IsActive: false})

	if err := h.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if devices.Has("dev-1") {
		t.Fatal("expected ineligible device left untracked")
	}
}

func TestStartOnUnknownDeviceReturnsError(t *testing.T) {
	h, _, _ := testHandler(t)
	if err := h.Start(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown device id")
	}
}

func TestStopDropsRuntimeStateWithoutResettingRowIndexByDefault(t *testing.T) {
	h, store, devices := testHandler(t)
	store.PutDevice(metadatastore.Device{ID: "dev-1", CurrentRowIndex: 7, Status: metadatastore.StatusTransmitting})
	devices.Put(device.RuntimeState{DeviceID: "dev-1", CurrentRowIndex: 7})

	if err := h.Stop(context.Background(), "dev-1", false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if devices.Has("dev-1") {
		t.Fatal("expected runtime state dropped")
	}
	d, _ := store.Device("dev-1")
	if d.CurrentRowIndex != 7 {
		t.Fatalf("expected current_row_index left at 7 without reset, got %d", d.CurrentRowIndex)
	}
}

func TestStopWithResetRowIndexWritesIdleAndZero(t *testing.T) {
	h, store, devices := testHandler(t)
	store.PutDevice(metadatastore.Device{ID: "dev-1", CurrentRowIndex: 7, Status: metadatastore.StatusTransmitting})
	devices.Put(device.RuntimeState{DeviceID: "dev-1", CurrentRowIndex: 7})

	if err := h.Stop(context.Background(), "dev-1", true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if devices.Has("dev-1") {
		t.Fatal("expected runtime state dropped")
	}
	d, _ := store.Device("dev-1")
	if d.CurrentRowIndex != 0 {
		t.Fatalf("expected current_row_index reset to 0, got %d", d.CurrentRowIndex)
	}
	if d.Status != metadatastore.StatusIdle {
		t.Fatalf("expected status idle, got %q", d.Status)
	}
}

func TestStopWithResetRowIndexReleasesPoolAndBreakerWhenConnectionUnused(t *testing.T) {
	h, store, devices := testHandler(t)
	store.PutDevice(metadatastore.Device{ID: "dev-1", CurrentRowIndex: 7, Status: metadatastore.StatusTransmitting})
	devices.Put(device.RuntimeState{DeviceID: "dev-1", ConnectionID: "conn-1", CurrentRowIndex: 7})

	p := pool.New(time.Minute, 0)
	factory := func(ctx context.Context, connectionID string, config map[string]any) (pool.Handle, error) {
		return stubHandle{}, nil
	}
	_, release, err := p.Acquire(context.Background(), "conn-1", nil, factory)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	breakers := breaker.NewRegistry(1, time.Second, time.Minute)
	breakers.RecordFailure("conn-1")
	if breakers.Snapshot("conn-1") != breaker.StateOpen {
		t.Fatal("expected breaker tripped open before stop")
	}

	h.SetConnectionResources(p, breakers)

	if err := h.Stop(context.Background(), "dev-1", true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected pool entry for conn-1 released, got %d entries", p.Len())
	}
	if breakers.Snapshot("conn-1") != breaker.StateClosed {
		t.Fatalf("expected breaker reset to closed, got %q", breakers.Snapshot("conn-1"))
	}
}

func TestStopWithResetRowIndexKeepsPoolAndBreakerWhenConnectionStillInUse(t *testing.T) {
	h, store, devices := testHandler(t)
	store.PutDevice(metadatastore.Device{ID: "dev-1", CurrentRowIndex: 7, Status: metadatastore.StatusTransmitting})
	devices.Put(device.RuntimeState{DeviceID: "dev-1", ConnectionID: "conn-shared", CurrentRowIndex: 7})
	devices.Put(device.RuntimeState{DeviceID: "dev-2", ConnectionID: "conn-shared", CurrentRowIndex: 3})

	p := pool.New(time.Minute, 0)
	factory := func(ctx context.Context, connectionID string, config map[string]any) (pool.Handle, error) {
		return stubHandle{}, nil
	}
	_, release, err := p.Acquire(context.Background(), "conn-shared", nil, factory)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	breakers := breaker.NewRegistry(1, time.Second, time.Minute)
	breakers.RecordFailure("conn-shared")

	h.SetConnectionResources(p, breakers)

	if err := h.Stop(context.Background(), "dev-1", true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected pool entry for conn-shared kept while dev-2 still uses it, got %d entries", p.Len())
	}
	if breakers.Snapshot("conn-shared") != breaker.StateOpen {
		t.Fatalf("expected breaker left open while connection still in use, got %q", breakers.Snapshot("conn-shared"))
	}
}

func TestStopWithoutResetRowIndexLeavesPoolAndBreakerUntouched(t *testing.T) {
	h, store, devices := testHandler(t)
	store.PutDevice(metadatastore.Device{ID: "dev-1", CurrentRowIndex: 7, Status: metadatastore.StatusTransmitting})
	devices.Put(device.RuntimeState{DeviceID: "dev-1", ConnectionID: "conn-1", CurrentRowIndex: 7})

	p := pool.New(time.Minute, 0)
	factory := func(ctx context.Context, connectionID string, config map[string]any) (pool.Handle, error) {
		return stubHandle{}, nil
	}
	_, release, err := p.Acquire(context.Background(), "conn-1", nil, factory)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	breakers := breaker.NewRegistry(1, time.Second, time.Minute)
	breakers.RecordFailure("conn-1")

	h.SetConnectionResources(p, breakers)

	if err := h.Stop(context.Background(), "dev-1", false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected pool entry kept on a plain stop, got %d entries", p.Len())
	}
	if breakers.Snapshot("conn-1") != breaker.StateOpen {
		t.Fatalf("expected breaker left untouched on a plain stop, got %q", breakers.Snapshot("conn-1"))
	}
}

func TestTestConnectionFailsClosedWithoutAdaptersConfigured(t *testing.T) {
	h, store, _ := testHandler(t)
	store.PutConnection(metadatastore.Connection{ID: "conn-1", Protocol: metadatastore.ProtocolHTTP})

	if err := h.TestConnection(context.Background(), "conn-1"); err == nil {
		t.Fatal("expected error when no adapter registry is configured")
	}
}

func TestTestConnectionSucceedsForHealthyConnection(t *testing.T) {
	h, store, _ := testHandler(t)
	store.PutConnection(metadatastore.Connection{ID: "conn-1", Protocol: metadatastore.ProtocolHTTP})
	h.SetAdapters(adapter.NewRegistry(map[metadatastore.Protocol]adapter.Adapter{
		metadatastore.ProtocolHTTP: &stubAdapter{},
	}))

	if err := h.TestConnection(context.Background(), "conn-1"); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
}

func TestTestConnectionFailsForUnknownConnection(t *testing.T) {
	h, _, _ := testHandler(t)
	h.SetAdapters(adapter.NewRegistry(map[metadatastore.Protocol]adapter.Adapter{}))

	if err := h.TestConnection(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown connection id")
	}
}
