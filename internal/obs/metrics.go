package obs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExporterType selects where OTel metrics are sent.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// MetricsConfig configures the OTel-backed Reporter.
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	Attributes     map[string]string
}

// DefaultMetricsConfig returns metrics disabled, matching the teacher's
// "safe by default" posture.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:      false,
		ServiceName:  "transmissiond",
		ExporterType: ExporterNone,
	}
}

// Metrics is the OpenTelemetry-backed Reporter: every spec.md §6.4 metric
// gets an instrument here, exported via OTLP or stdout depending on
// MetricsConfig. A disabled Metrics built by NewMetrics is safe to call (it
// records into a provider with no exporter); the zero value has nil
// instruments and must not be used.
type Metrics struct {
	cfg           MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	messagesTotal            metric.Int64Counter
	transmissionLatency      metric.Float64Histogram
	bytesTransmittedTotal    metric.Int64Counter
	transmissionLoopDuration metric.Float64Histogram
	deviceMonitorDuration    metric.Float64Histogram
	dbQueriesTotal           metric.Int64Counter
	dbQueryDuration          metric.Float64Histogram
	cacheHitsTotal           metric.Int64Counter
	cacheMissesTotal         metric.Int64Counter
	circuitBreakerTripsTotal metric.Int64Counter

	activeDevices           atomic.Int64
	activeConnections       atomic.Int64
	concurrentTransmissions atomic.Int64
	hostCPUPercent          atomic.Int64 // stored *100 to keep integer atomics
	hostMemPercent          atomic.Int64

	gaugeRegs []metric.Registration
}

// NewMetrics builds a Metrics instance. When cfg.Enabled is false the
// returned Metrics uses a no-op meter (mirrors the teacher's NewMetrics
// shape precisely) so every call site can unconditionally record.
func NewMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{cfg: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		if err := m.registerInstruments(); err != nil {
			return nil, err
		}
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("obs: create exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("obs: create resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("obs: unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) createResource(cfg MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.messagesTotal, err = m.meter.Int64Counter(
		"transmission.messages",
		metric.WithDescription("Total transmission attempts, labeled by protocol and status"),
	)
	if err != nil {
		return fmt.Errorf("obs: messages_total: %w", err)
	}

	m.transmissionLatency, err = m.meter.Float64Histogram(
		"transmission.latency",
		metric.WithDescription("Publish latency in seconds, labeled by protocol"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("obs: transmission_latency_seconds: %w", err)
	}

	m.bytesTransmittedTotal, err = m.meter.Int64Counter(
		"transmission.bytes",
		metric.WithDescription("Total payload bytes transmitted, labeled by protocol"),
	)
	if err != nil {
		return fmt.Errorf("obs: bytes_transmitted_total: %w", err)
	}

	m.transmissionLoopDuration, err = m.meter.Float64Histogram(
		"transmission.loop_duration",
		metric.WithDescription("Duration of one scheduler tick"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("obs: transmission_loop_duration_seconds: %w", err)
	}

	m.deviceMonitorDuration, err = m.meter.Float64Histogram(
		"device_monitor.duration",
		metric.WithDescription("Duration of one device monitor reconciliation pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("obs: device_monitor_duration_seconds: %w", err)
	}

	m.dbQueriesTotal, err = m.meter.Int64Counter(
		"db.queries",
		metric.WithDescription("Total metadata store queries, labeled by operation"),
	)
	if err != nil {
		return fmt.Errorf("obs: db_queries_total: %w", err)
	}

	m.dbQueryDuration, err = m.meter.Float64Histogram(
		"db.query_duration",
		metric.WithDescription("Metadata store query duration in seconds, labeled by operation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("obs: db_query_duration_seconds: %w", err)
	}

	m.cacheHitsTotal, err = m.meter.Int64Counter(
		"cache.hits",
		metric.WithDescription("Total cache hits, labeled by cache_type"),
	)
	if err != nil {
		return fmt.Errorf("obs: cache_hits_total: %w", err)
	}

	m.cacheMissesTotal, err = m.meter.Int64Counter(
		"cache.misses",
		metric.WithDescription("Total cache misses, labeled by cache_type"),
	)
	if err != nil {
		return fmt.Errorf("obs: cache_misses_total: %w", err)
	}

	m.circuitBreakerTripsTotal, err = m.meter.Int64Counter(
		"circuit_breaker.trips",
		metric.WithDescription("Total circuit breaker trips to open, labeled by connection_id"),
	)
	if err != nil {
		return fmt.Errorf("obs: circuit_breaker_trips_total: %w", err)
	}

	activeDevicesGauge, err := m.meter.Int64ObservableGauge(
		"active_devices",
		metric.WithDescription("Number of devices currently tracked by the scheduler"),
	)
	if err != nil {
		return fmt.Errorf("obs: active_devices: %w", err)
	}
	activeConnectionsGauge, err := m.meter.Int64ObservableGauge(
		"active_connections",
		metric.WithDescription("Number of connection pool entries currently live"),
	)
	if err != nil {
		return fmt.Errorf("obs: active_connections: %w", err)
	}
	concurrentGauge, err := m.meter.Int64ObservableGauge(
		"concurrent_transmissions",
		metric.WithDescription("Number of dispatches currently holding a semaphore slot"),
	)
	if err != nil {
		return fmt.Errorf("obs: concurrent_transmissions: %w", err)
	}
	hostCPUGauge, err := m.meter.Int64ObservableGauge(
		"host.cpu_percent_x100",
		metric.WithDescription("Host CPU utilization percent, scaled by 100 for integer precision"),
	)
	if err != nil {
		return fmt.Errorf("obs: host.cpu_percent: %w", err)
	}
	hostMemGauge, err := m.meter.Int64ObservableGauge(
		"host.mem_percent_x100",
		metric.WithDescription("Host memory utilization percent, scaled by 100 for integer precision"),
	)
	if err != nil {
		return fmt.Errorf("obs: host.mem_percent: %w", err)
	}

	reg, err := m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(activeDevicesGauge, m.activeDevices.Load())
			o.ObserveInt64(activeConnectionsGauge, m.activeConnections.Load())
			o.ObserveInt64(concurrentGauge, m.concurrentTransmissions.Load())
			o.ObserveInt64(hostCPUGauge, m.hostCPUPercent.Load())
			o.ObserveInt64(hostMemGauge, m.hostMemPercent.Load())
			return nil
		},
		activeDevicesGauge, activeConnectionsGauge, concurrentGauge, hostCPUGauge, hostMemGauge,
	)
	if err != nil {
		return fmt.Errorf("obs: register gauge callback: %w", err)
	}
	m.gaugeRegs = append(m.gaugeRegs, reg)

	return nil
}

func (m *Metrics) RecordMessage(protocol, status string, bytes int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("protocol", protocol), attribute.String("status", status))
	m.messagesTotal.Add(ctx, 1, attrs)
	m.bytesTransmittedTotal.Add(ctx, int64(bytes), metric.WithAttributes(attribute.String("protocol", protocol)))
}

func (m *Metrics) RecordTransmissionLatency(protocol string, seconds float64) {
	m.transmissionLatency.Record(context.Background(), seconds, metric.WithAttributes(attribute.String("protocol", protocol)))
}

func (m *Metrics) SetActiveDevices(n int64)           { m.activeDevices.Store(n) }
func (m *Metrics) SetActiveConnections(n int64)       { m.activeConnections.Store(n) }
func (m *Metrics) SetConcurrentTransmissions(n int64) { m.concurrentTransmissions.Store(n) }

func (m *Metrics) RecordTransmissionLoopDuration(seconds float64) {
	m.transmissionLoopDuration.Record(context.Background(), seconds)
}

func (m *Metrics) RecordDeviceMonitorDuration(seconds float64) {
	m.deviceMonitorDuration.Record(context.Background(), seconds)
}

func (m *Metrics) RecordDBQuery(operation string, seconds float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	m.dbQueriesTotal.Add(ctx, 1, attrs)
	m.dbQueryDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cache_type", cacheType)))
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cache_type", cacheType)))
}

func (m *Metrics) RecordCircuitBreakerTrip(connectionID string) {
	m.circuitBreakerTripsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("connection_id", connectionID)))
}

func (m *Metrics) SetHostStats(cpuPercent, memPercent float64) {
	m.hostCPUPercent.Store(int64(cpuPercent * 100))
	m.hostMemPercent.Store(int64(memPercent * 100))
}

// Shutdown flushes and tears down the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range m.gaugeRegs {
		_ = reg.Unregister()
	}
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}
