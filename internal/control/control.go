// Package control implements the Control Handler (spec.md §4.3): it
// accepts out-of-band "start now" / "stop now" events for a single device,
// independent of the Device Monitor's polling cadence.
package control

import (
	"context"
	"errors"

	"github.com/joluben/iotdevsim-transmission/internal/adapter"
	"github.com/joluben/iotdevsim-transmission/internal/breaker"
	"github.com/joluben/iotdevsim-transmission/internal/device"
	"github.com/joluben/iotdevsim-transmission/internal/events"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/monitor"
	"github.com/joluben/iotdevsim-transmission/internal/pool"
)

// errAdaptersNotConfigured is returned by TestConnection when no protocol
// adapter registry was installed via SetAdapters.
var errAdaptersNotConfigured = errors.New("control: adapter registry not configured")

// Handler implements the two Control Handler operations. It never blocks
// on the scheduler loop: both operations touch the metadata store and the
// runtime device map, and a stop with reset_row_index also invalidates the
// connection's pool entry and resets its breaker when no other tracked
// device uses that connection. Neither operation touches the in-flight
// dispatch goroutine (spec.md §4.3's documented race — a stop racing a concurrent
// dispatch is resolved by the dispatch finding its runtime record gone and
// not rescheduling itself).
type Handler struct {
	monitor  *monitor.Monitor
	devices  *device.Map
	store    metadatastore.Store
	logger   *events.Logger
	adapters *adapter.Registry
	pool     *pool.Pool
	breakers *breaker.Registry
}

// New builds a Handler.
func New(m *monitor.Monitor, devices *device.Map, store metadatastore.Store, logger *events.Logger) *Handler {
	if logger == nil {
		logger = events.Noop()
	}
	return &Handler{monitor: m, devices: devices, store: store, logger: logger}
}

// SetAdapters installs the protocol adapter registry TestConnection dials
// through. A nil registry (the default) makes TestConnection fail closed.
func (h *Handler) SetAdapters(adapters *adapter.Registry) {
	h.adapters = adapters
}

// SetConnectionResources installs the connection pool and circuit breaker
// registry Stop releases/resets when reset_row_index is set and no other
// runtime device still shares the connection (spec.md §4.3). Nil values
// (the default) make Stop skip that release entirely.
func (h *Handler) SetConnectionResources(pool *pool.Pool, breakers *breaker.Registry) {
	h.pool = pool
	h.breakers = breakers
}

// TestConnection exercises connectionID's configured protocol adapter
// without an attached device, for a control-plane "test connection" check
// (spec.md §9's connection-testing dry run, supplemented from
// original_source/api-service/app/services/connection_testing.py).
func (h *Handler) TestConnection(ctx context.Context, connectionID string) error {
	if h.adapters == nil {
		return errAdaptersNotConfigured
	}
	conn, err := h.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	return h.adapters.TestConnection(ctx, conn.Protocol, conn.Config)
}

// Start implements spec.md §4.3's start(device_id): fetch the device and,
// if it now qualifies for transmission, create or refresh its runtime
// state immediately. A device that doesn't qualify is left alone (no-op,
// not an error).
func (h *Handler) Start(ctx context.Context, deviceID string) error {
	if err := h.monitor.SyncDevice(ctx, deviceID); err != nil {
		h.logger.DispatchFailed(deviceID, "control start failed", err)
		return err
	}
	return nil
}

// Stop implements spec.md §4.3's stop(device_id, reset_row_index): drop the
// device's runtime state immediately, and when reset_row_index is set,
// persist status=idle, current_row_index=0 to the metadata store.
//
// Plain stop (reset_row_index=false) deliberately leaves the pool entry and
// circuit breaker for the device's connection untouched (spec.md §9's open
// question on this resolved toward the safer behavior it names: let
// idle-eviction reclaim the pool entry rather than racing a live dispatch's
// use of it). reset_row_index=true is unambiguous, though (spec.md §4.3,
// scenario 6 in §8): if no other runtime device still shares the
// connection, the pool handle is released and the connection's circuit
// breaker is reset.
func (h *Handler) Stop(ctx context.Context, deviceID string, resetRowIndex bool) error {
	state, tracked := h.devices.Get(deviceID)
	h.devices.Drop(deviceID)

	if !resetRowIndex {
		return nil
	}

	if tracked && !h.connectionStillInUse(state.ConnectionID) {
		if h.pool != nil {
			h.pool.Invalidate(state.ConnectionID)
		}
		if h.breakers != nil {
			h.breakers.Reset(state.ConnectionID)
		}
	}

	idle := metadatastore.StatusIdle
	zero := 0
	update := metadatastore.DeviceUpdate{Status: &idle, CurrentRowIndex: &zero}
	if err := h.store.UpdateDevice(ctx, deviceID, update); err != nil {
		h.logger.DispatchFailed(deviceID, "control stop row reset failed", err)
		return err
	}
	return nil
}

// connectionStillInUse reports whether any currently tracked device (after
// the stopped device has already been dropped) still shares connectionID.
func (h *Handler) connectionStillInUse(connectionID string) bool {
	for _, s := range h.devices.Snapshot() {
		if s.ConnectionID == connectionID {
			return true
		}
	}
	return false
}
