// Package scheduler drives per-device periodic dispatch with bounded
// concurrency and jitter (spec.md §4.1) and the per-device transmit
// operation (spec.md §4.7). The tick loop lives here; the dispatch
// mechanics live in dispatch.go, mirroring the teacher's own split between
// scheduling (internal/vu/engine.go) and per-unit work
// (internal/controlplane/runmanager/dispatch.go).
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/adapter"
	"github.com/joluben/iotdevsim-transmission/internal/breaker"
	"github.com/joluben/iotdevsim-transmission/internal/cache"
	"github.com/joluben/iotdevsim-transmission/internal/config"
	"github.com/joluben/iotdevsim-transmission/internal/device"
	"github.com/joluben/iotdevsim-transmission/internal/events"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/obs"
	"github.com/joluben/iotdevsim-transmission/internal/pool"
	"github.com/joluben/iotdevsim-transmission/internal/secrets"
)

// Engine is the scheduler: it owns the tick loop and the concurrency
// semaphore, and delegates the per-device transmit operation to the
// dispatch.go helpers.
type Engine struct {
	cfg        config.Engine
	store      metadatastore.Store
	devices    *device.Map
	connCache  *cache.ConnectionCache
	breakers   *breaker.Registry
	connPool   *pool.Pool
	adapters   *adapter.Registry
	decryptor  secrets.Decryptor
	logger     *events.Logger
	reporter   obs.Reporter
	tracer     *obs.Tracer

	sem chan struct{}

	inFlight atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

// New builds an Engine. decryptor may be nil, in which case secrets.Noop{}
// is used. reporter may be nil, in which case obs.Noop() is used.
func New(
	cfg config.Engine,
	store metadatastore.Store,
	devices *device.Map,
	connCache *cache.ConnectionCache,
	breakers *breaker.Registry,
	connPool *pool.Pool,
	adapters *adapter.Registry,
	decryptor secrets.Decryptor,
	logger *events.Logger,
	reporter obs.Reporter,
) *Engine {
	if decryptor == nil {
		decryptor = secrets.Noop{}
	}
	if logger == nil {
		logger = events.Noop()
	}
	if reporter == nil {
		reporter = obs.Noop()
	}
	if breakers != nil {
		breakers.OnTrip(func(connectionID string) {
			reporter.RecordCircuitBreakerTrip(connectionID)
		})
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		devices:   devices,
		connCache: connCache,
		breakers:  breakers,
		connPool:  connPool,
		adapters:  adapters,
		decryptor: decryptor,
		logger:    logger,
		reporter:  reporter,
		sem:       make(chan struct{}, cfg.MaxConcurrentTransmissions),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetTracer installs the distributed-tracing sink each dispatch's
// transmit operation reports through. A nil tracer leaves dispatches
// unspanned, which is the default.
func (e *Engine) SetTracer(tracer *obs.Tracer) {
	e.tracer = tracer
}

// Run is the long-running scheduler loop (spec.md §4.1 run()). Each tick it
// scans the runtime device map for devices due to dispatch and spawns a
// bounded-concurrency goroutine per eligible device. The selection phase
// never blocks on I/O: TryBeginDispatch is a pure map operation, and
// dispatch itself happens in a separate goroutine gated by the semaphore.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SchedulerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	for _, id := range e.devices.DeviceIDs() {
		state, ok := e.devices.TryBeginDispatch(id, start)
		if !ok {
			continue
		}
		e.wg.Add(1)
		go e.runDispatch(ctx, state)
	}
	e.reporter.SetActiveDevices(int64(e.devices.Len()))
	e.reporter.SetActiveConnections(int64(e.connPool.Len()))
	e.reporter.RecordTransmissionLoopDuration(time.Since(start).Seconds())
}

// runDispatch acquires a semaphore slot (blocking — this is the
// backpressure spec.md §4.1 describes: "selected devices simply wait their
// turn"), transmits, and always clears the in-flight flag on exit.
func (e *Engine) runDispatch(ctx context.Context, state device.RuntimeState) {
	defer e.wg.Done()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.devices.EndDispatch(state.DeviceID, state.CurrentRowIndex, time.Now(), ctx.Err())
		return
	}
	e.reporter.SetConcurrentTransmissions(e.inFlight.Add(1))
	defer func() {
		<-e.sem
		e.reporter.SetConcurrentTransmissions(e.inFlight.Add(-1))
	}()

	newIndex, dispatchErr := func() (newIndex int, dispatchErr error) {
		newIndex = state.CurrentRowIndex
		defer func() {
			if r := recover(); r != nil {
				dispatchErr = recoveredErr(r)
				newIndex = state.CurrentRowIndex
				e.logger.EngineError(state.DeviceID, dispatchErr)
			}
		}()
		return e.transmitForDevice(ctx, state)
	}()

	nextEligible := e.nextEligibleAt(now(), state.FrequencySeconds, state.JitterMs)
	e.devices.EndDispatch(state.DeviceID, newIndex, nextEligible, dispatchErr)
}

func now() time.Time { return time.Now() }

// nextEligibleAt computes the next tick a device may dispatch, applying a
// uniform jitter offset in [0, jitter_ms) per spec.md §4.1.
func (e *Engine) nextEligibleAt(from time.Time, frequencySeconds, jitterMs int) time.Time {
	freq := frequencySeconds
	if freq < config.MinFrequencySeconds {
		freq = config.MinFrequencySeconds
	}
	if freq > config.MaxFrequencySeconds {
		freq = config.MaxFrequencySeconds
	}
	delay := time.Duration(freq) * time.Second
	if jitterMs > 0 {
		e.rngMu.Lock()
		offset := e.rng.Int63n(int64(jitterMs))
		e.rngMu.Unlock()
		delay += time.Duration(offset) * time.Millisecond
	}
	return from.Add(delay)
}

// Stop cancels nothing itself (the caller's ctx cancellation does that) but
// waits for every in-flight dispatch to finish and closes all pool handles,
// per spec.md §4.1's stop() contract.
func (e *Engine) Stop() {
	e.wg.Wait()
	e.connPool.CloseAll()
}
