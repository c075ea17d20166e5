// Package device tracks the in-memory Runtime Device State of every device
// the scheduler currently knows about (spec.md §3, §4.2, §9 "narrow API
// over a plain map"). Persisted device fields live in metadatastore; this
// package holds what the scheduler needs between ticks and must never
// survive a restart: dataset rows, in-flight/pause flags, and scheduling
// cursors.
package device

import (
	"sync"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
)

// RuntimeState mirrors spec.md §3's Runtime Device State: everything the
// scheduler needs to decide whether and what to dispatch for one device,
// without going back to the metadata store or blob store on every tick.
type RuntimeState struct {
	DeviceID     string
	DeviceRef    string
	ConnectionID string
	ProjectID    string
	DeviceType   metadatastore.DeviceType

	FrequencySeconds int
	BatchSize        int
	AutoReset        bool
	JitterMs         int
	RetryOnError     bool
	MaxRetries       int
	IncludeDeviceID  bool
	IncludeTimestamp bool

	CurrentRowIndex int
	DatasetRows     []blobstore.Row
	DatasetRowCount int
	DatasetHash     string

	// InFlight is true while a dispatch goroutine is actively publishing
	// for this device; the scheduler must not start a second dispatch for
	// the same device while this is true (spec.md §4.1 invariant).
	InFlight bool

	// Paused, while set by Pause, makes TryBeginDispatch skip the device.
	// An end-of-dataset pause and a control-plane stop drop the runtime
	// state instead of setting this flag.
	Paused bool

	// NextEligibleAt gates the next tick this device may be considered,
	// derived from FrequencySeconds, JitterMs, and the last attempt time.
	NextEligibleAt time.Time

	LastError             error
	ConsecutiveErrorCount int
}

// Map is a concurrency-safe registry of RuntimeState keyed by device ID. It
// exposes only the narrow set of operations the scheduler, monitor, and
// control handler need (spec.md §9), rather than a general-purpose map, so
// "claim this device for dispatch" is always a single atomic step.
type Map struct {
	mu     sync.RWMutex
	states map[string]*RuntimeState
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{states: make(map[string]*RuntimeState)}
}

// Put inserts or wholesale-replaces a device's runtime state, used by the
// monitor when it creates a fresh entry for a newly eligible device
// (spec.md §4.2 "create a Runtime Device State").
func (m *Map) Put(state RuntimeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state
	m.states[state.DeviceID] = &s
}

// Has reports whether deviceID currently has a tracked runtime state.
func (m *Map) Has(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[deviceID]
	return ok
}

// Mutate applies fn to deviceID's tracked state under the map's lock,
// returning false if the device isn't tracked. Used by the monitor to
// refresh mutable fields (frequency, batch_size, auto_reset, jitter,
// include flags, dataset rows) without overwriting fields the mutator
// doesn't touch (spec.md §4.2).
func (m *Map) Mutate(deviceID string, fn func(*RuntimeState)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[deviceID]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// Drop removes a device the monitor no longer considers eligible (deleted,
// disabled, or no connection), or that the control handler stopped.
// Dropping a device that is mid-dispatch is safe: the in-flight goroutine
// holds its own copy of what it needs and will simply find nothing to
// update on completion (spec.md §4.3's documented race).
func (m *Map) Drop(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, deviceID)
}

// Get returns a copy of the tracked state for deviceID, and whether it is
// tracked at all.
func (m *Map) Get(deviceID string) (RuntimeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[deviceID]
	if !ok {
		return RuntimeState{}, false
	}
	return *s, true
}

// TryBeginDispatch atomically claims deviceID for dispatch: it returns false
// without mutating anything if the device is untracked, already in-flight,
// paused, or not yet due. On success it returns a copy of the state to
// dispatch against. This is the sole admission gate the scheduler must use
// before spawning a dispatch goroutine (spec.md §4.1 "at most one in-flight
// dispatch per device").
func (m *Map) TryBeginDispatch(deviceID string, now time.Time) (RuntimeState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[deviceID]
	if !ok || s.InFlight || s.Paused {
		return RuntimeState{}, false
	}
	if now.Before(s.NextEligibleAt) {
		return RuntimeState{}, false
	}
	s.InFlight = true
	return *s, true
}

// EndDispatch clears the in-flight flag, persists the advanced row index,
// and schedules the device's next eligible tick. It is a no-op if the
// device was dropped while its dispatch was in flight (spec.md §4.3).
func (m *Map) EndDispatch(deviceID string, newRowIndex int, nextEligibleAt time.Time, dispatchErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[deviceID]
	if !ok {
		return
	}
	s.InFlight = false
	s.CurrentRowIndex = newRowIndex
	s.NextEligibleAt = nextEligibleAt
	s.LastError = dispatchErr
	if dispatchErr != nil {
		s.ConsecutiveErrorCount++
	} else {
		s.ConsecutiveErrorCount = 0
	}
}

// Pause marks a device paused so TryBeginDispatch skips it until Resume.
// The scheduler's end-of-dataset pause and the control handler's stop do
// not call it; they Drop the device.
func (m *Map) Pause(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[deviceID]; ok {
		s.Paused = true
	}
}

// Resume clears a device's paused flag and its next-eligible time.
func (m *Map) Resume(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[deviceID]; ok {
		s.Paused = false
		s.NextEligibleAt = time.Time{}
	}
}

// Snapshot returns copies of every tracked device's state, used by the
// control handler to check whether another device still shares a
// connection, without holding the map lock while it does so.
func (m *Map) Snapshot() []RuntimeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RuntimeState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	return out
}

// DeviceIDs returns every currently tracked device ID, used by the monitor
// to compute the drop set (tracked minus freshly fetched).
func (m *Map) DeviceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.states))
	for id := range m.states {
		out = append(out, id)
	}
	return out
}

// Len returns the number of tracked devices, bounded by
// config.Engine.MaxActiveDevices (spec.md §6.5).
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
