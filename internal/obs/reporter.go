// Package obs implements the Stats & Health Reporter (spec.md §4.10 /
// §6.4): it exposes counters and histograms for messages, bytes, active
// devices/connections, concurrent transmissions, db queries, cache
// hits/misses, and circuit-breaker trips, over both an OpenTelemetry meter
// (for OTLP/stdout export) and a hand-rolled Prometheus text exposition,
// mirroring the teacher's own split between internal/otel (OTel SDK) and
// internal/metrics (hand-rolled Collector).
package obs

// Reporter is the observability sink every engine component writes
// through. Components never import otel or the Prometheus collector
// directly — they hold a Reporter so metrics are unconditionally safe to
// call (a nil or disabled backend is always a no-op).
type Reporter interface {
	RecordMessage(protocol, status string, bytes int)
	RecordTransmissionLatency(protocol string, seconds float64)
	SetActiveDevices(n int64)
	SetActiveConnections(n int64)
	SetConcurrentTransmissions(n int64)
	RecordTransmissionLoopDuration(seconds float64)
	RecordDeviceMonitorDuration(seconds float64)
	RecordDBQuery(operation string, seconds float64)
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	RecordCircuitBreakerTrip(connectionID string)
	SetHostStats(cpuPercent, memPercent float64)
}

// Multi fans a single call out to every reporter it wraps. Used to drive
// the OTel meter and the Prometheus collector from one set of call sites.
type Multi []Reporter

func (m Multi) RecordMessage(protocol, status string, bytes int) {
	for _, r := range m {
		r.RecordMessage(protocol, status, bytes)
	}
}

func (m Multi) RecordTransmissionLatency(protocol string, seconds float64) {
	for _, r := range m {
		r.RecordTransmissionLatency(protocol, seconds)
	}
}

func (m Multi) SetActiveDevices(n int64) {
	for _, r := range m {
		r.SetActiveDevices(n)
	}
}

func (m Multi) SetActiveConnections(n int64) {
	for _, r := range m {
		r.SetActiveConnections(n)
	}
}

func (m Multi) SetConcurrentTransmissions(n int64) {
	for _, r := range m {
		r.SetConcurrentTransmissions(n)
	}
}

func (m Multi) RecordTransmissionLoopDuration(seconds float64) {
	for _, r := range m {
		r.RecordTransmissionLoopDuration(seconds)
	}
}

func (m Multi) RecordDeviceMonitorDuration(seconds float64) {
	for _, r := range m {
		r.RecordDeviceMonitorDuration(seconds)
	}
}

func (m Multi) RecordDBQuery(operation string, seconds float64) {
	for _, r := range m {
		r.RecordDBQuery(operation, seconds)
	}
}

func (m Multi) RecordCacheHit(cacheType string) {
	for _, r := range m {
		r.RecordCacheHit(cacheType)
	}
}

func (m Multi) RecordCacheMiss(cacheType string) {
	for _, r := range m {
		r.RecordCacheMiss(cacheType)
	}
}

func (m Multi) RecordCircuitBreakerTrip(connectionID string) {
	for _, r := range m {
		r.RecordCircuitBreakerTrip(connectionID)
	}
}

func (m Multi) SetHostStats(cpuPercent, memPercent float64) {
	for _, r := range m {
		r.SetHostStats(cpuPercent, memPercent)
	}
}

// noop implements Reporter with every method doing nothing, so callers
// never need a nil check.
type noop struct{}

// Noop returns a Reporter that discards everything.
func Noop() Reporter { return noop{} }

func (noop) RecordMessage(string, string, int)          {}
func (noop) RecordTransmissionLatency(string, float64)  {}
func (noop) SetActiveDevices(int64)                     {}
func (noop) SetActiveConnections(int64)                 {}
func (noop) SetConcurrentTransmissions(int64)           {}
func (noop) RecordTransmissionLoopDuration(float64)     {}
func (noop) RecordDeviceMonitorDuration(float64)        {}
func (noop) RecordDBQuery(string, float64)              {}
func (noop) RecordCacheHit(string)                      {}
func (noop) RecordCacheMiss(string)                     {}
func (noop) RecordCircuitBreakerTrip(string)            {}
func (noop) SetHostStats(float64, float64)              {}
