package obs

import (
	"context"
	"testing"
)

func TestNewTracerDisabledIsSafeToCall(t *testing.T) {
	tracer, err := NewTracer(context.Background(), DefaultTracingConfig())
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	_, span := tracer.StartTransmitSpan(context.Background(), TransmitSpanOptions{
		DeviceID:     "dev-1",
		ConnectionID: "conn-1",
		Protocol:     "mqtt",
		BatchSize:    10,
	})
	span.End()

	_, span = tracer.StartControlSpan(context.Background(), "start", "dev-1")
	span.End()
}

func TestNewTracerStdoutExporterBuildsWithoutError(t *testing.T) {
	cfg := TracingConfig{Enabled: true, ServiceName: "transmissiond-test", ExporterType: ExporterStdout, SampleRate: 1.0}
	tracer, err := NewTracer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	_, span := tracer.StartTransmitSpan(context.Background(), TransmitSpanOptions{DeviceID: "dev-2"})
	span.End()
}
