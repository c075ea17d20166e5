package obs

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures the optional distributed-tracing sink, wired
// the same way as MetricsConfig: disabled (no-op tracer) unless an
// exporter is explicitly chosen.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	SampleRate     float64
	Attributes     map[string]string
}

// DefaultTracingConfig returns tracing disabled.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{Enabled: false, ServiceName: "transmissiond", ExporterType: ExporterNone, SampleRate: 1.0}
}

// Tracer wraps an OpenTelemetry tracer provider with the per-transmission
// span helper the scheduler and control handler use.
type Tracer struct {
	cfg      TracingConfig
	provider trace.TracerProvider
	tracer   trace.Tracer
	shutdown func(context.Context) error
	mu       sync.RWMutex
}

// NewTracer builds a Tracer. When cfg.Enabled is false or ExporterType is
// ExporterNone, every span is a no-op.
func NewTracer(ctx context.Context, cfg TracingConfig) (*Tracer, error) {
	t := &Tracer{cfg: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		t.provider = noop.NewTracerProvider()
		t.tracer = t.provider.Tracer(cfg.ServiceName)
		t.shutdown = func(context.Context) error { return nil }
		return t, nil
	}

	exporter, err := t.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("obs: create trace exporter: %w", err)
	}
	res, err := t.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("obs: create trace resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	t.provider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.shutdown = tp.Shutdown
	return t, nil
}

func (t *Tracer) createExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("obs: unknown trace exporter type: %s", cfg.ExporterType)
	}
}

func (t *Tracer) createResource(cfg TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

// Shutdown flushes and closes the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// TransmitSpanOptions names the attributes attached to a per-dispatch
// span (spec.md §4.7's transmit operation).
type TransmitSpanOptions struct {
	DeviceID     string
	ConnectionID string
	Protocol     string
	BatchSize    int
}

// StartTransmitSpan starts a span covering one device's publish attempt.
func (t *Tracer) StartTransmitSpan(ctx context.Context, opts TransmitSpanOptions) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "transmission.transmit",
		trace.WithAttributes(
			attribute.String("transmission.device_id", opts.DeviceID),
			attribute.String("transmission.connection_id", opts.ConnectionID),
			attribute.String("transmission.protocol", opts.Protocol),
			attribute.Int("transmission.batch_size", opts.BatchSize),
		),
	)
}

// StartControlSpan starts a span covering one control-plane HTTP request
// (start/stop).
func (t *Tracer) StartControlSpan(ctx context.Context, operation, deviceID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "transmission.control."+operation,
		trace.WithAttributes(attribute.String("transmission.device_id", deviceID)),
	)
}

// Propagator returns a W3C traceparent/baggage propagator, for HTTP
// servers that want to extract an inbound trace context.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}
