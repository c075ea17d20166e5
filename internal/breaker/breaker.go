// Package breaker implements the per-connection circuit breaker registry
// described in spec.md §4.10: each connection ID gets an independent
// closed/open/half-open state machine, guarded by its own lock so one
// connection's breaker never blocks another's.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow when the breaker is open and recovery hasn't
// elapsed yet.
var ErrOpen = errors.New("breaker: circuit open")

// ErrProbeInFlight is returned by Allow when the breaker is half-open and a
// probe is already in flight — only one bounded probe is allowed at a time
// (the Open Question in spec.md §9 resolved in SPEC_FULL.md §4: a single
// bounded probe rather than a rate-limited trickle).
var ErrProbeInFlight = errors.New("breaker: probe already in flight")

type entry struct {
	mu sync.Mutex

	state            State
	consecutiveFails int
	openedAt         time.Time
	recoveryDelay    time.Duration
	probeInFlight    bool
}

// Registry holds one breaker entry per connection ID.
type Registry struct {
	failureThreshold int
	baseRecovery     time.Duration
	maxRecovery      time.Duration
	clock            func() time.Time
	onTrip           func(connectionID string)

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry builds a Registry. failureThreshold is the number of
// consecutive failures that trip a closed breaker to open; baseRecovery and
// maxRecovery bound the exponential backoff applied between open and the
// next half-open probe (spec.md §6.5 defaults: threshold 5, 30s/300s).
func NewRegistry(failureThreshold int, baseRecovery, maxRecovery time.Duration) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		baseRecovery:     baseRecovery,
		maxRecovery:      maxRecovery,
		clock:            time.Now,
		entries:          make(map[string]*entry),
	}
}

// OnTrip installs a callback invoked every time a breaker transitions into
// the open state (fresh trip or a failed half-open probe reopening it),
// for observability (spec.md §6.4's per-connection circuit-breaker
// counters). Safe to call before the registry sees any traffic.
func (r *Registry) OnTrip(fn func(connectionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrip = fn
}

func (r *Registry) entryFor(connectionID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connectionID]
	if !ok {
		e = &entry{state: StateClosed}
		r.entries[connectionID] = e
	}
	return e
}

// Allow reports whether a dispatch may proceed for connectionID. Closed
// always allows. Open allows only once the recovery delay has elapsed, at
// which point it transitions to half-open and claims the single probe slot
// for the caller (the caller must call RecordSuccess/RecordFailure
// afterward exactly once). Half-open rejects every caller except the one
// already holding the probe slot.
func (r *Registry) Allow(connectionID string) (State, error) {
	e := r.entryFor(connectionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		return StateClosed, nil
	case StateHalfOpen:
		if e.probeInFlight {
			return StateHalfOpen, ErrProbeInFlight
		}
		e.probeInFlight = true
		return StateHalfOpen, nil
	case StateOpen:
		if r.clock().Sub(e.openedAt) < e.recoveryDelay {
			return StateOpen, ErrOpen
		}
		e.state = StateHalfOpen
		e.probeInFlight = true
		return StateHalfOpen, nil
	default:
		return e.state, ErrOpen
	}
}

// RecordSuccess closes the breaker and resets its failure count, whether it
// was closed, open, or half-open (a successful half-open probe closes the
// circuit per spec.md §4.10).
func (r *Registry) RecordSuccess(connectionID string) {
	e := r.entryFor(connectionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateClosed
	e.consecutiveFails = 0
	e.recoveryDelay = 0
	e.probeInFlight = false
}

// RecordFailure accounts for a failed dispatch. From closed, it trips the
// breaker open once consecutive failures reach the threshold. From
// half-open, a failed probe reopens the breaker and doubles the recovery
// delay (capped at maxRecovery), per spec.md §4.10's exponential backoff.
func (r *Registry) RecordFailure(connectionID string) {
	e := r.entryFor(connectionID)
	e.mu.Lock()
	tripped := false

	switch e.state {
	case StateHalfOpen:
		e.probeInFlight = false
		e.state = StateOpen
		e.openedAt = r.clock()
		e.recoveryDelay = nextDelay(e.recoveryDelay, r.baseRecovery, r.maxRecovery)
		tripped = true
	default:
		e.consecutiveFails++
		if e.consecutiveFails >= r.failureThreshold {
			e.state = StateOpen
			e.openedAt = r.clock()
			e.recoveryDelay = r.baseRecovery
			tripped = true
		}
	}
	e.mu.Unlock()

	if tripped {
		r.mu.Lock()
		onTrip := r.onTrip
		r.mu.Unlock()
		if onTrip != nil {
			onTrip(connectionID)
		}
	}
}

func nextDelay(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		return base
	}
	doubled := current * 2
	if doubled > max {
		return max
	}
	return doubled
}

// Snapshot returns the current state of connectionID without mutating it,
// for observability/metrics reporting (spec.md §6.4).
func (r *Registry) Snapshot(connectionID string) State {
	e := r.entryFor(connectionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reset clears a breaker back to closed, used when a connection is
// reconfigured or its pool entry is invalidated (spec.md §4.4).
func (r *Registry) Reset(connectionID string) {
	e := r.entryFor(connectionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateClosed
	e.consecutiveFails = 0
	e.recoveryDelay = 0
	e.probeInFlight = false
}
