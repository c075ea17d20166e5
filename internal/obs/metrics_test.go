package obs

import (
	"context"
	"testing"
)

func TestNewMetricsDisabledIsSafeToCall(t *testing.T) {
	cfg := DefaultMetricsConfig()
	m, err := NewMetrics(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	defer m.Shutdown(context.Background())

	m.RecordMessage("mqtt", "success", 10)
	m.RecordTransmissionLatency("mqtt", 0.05)
	m.SetActiveDevices(3)
	m.SetActiveConnections(1)
	m.SetConcurrentTransmissions(2)
	m.RecordTransmissionLoopDuration(0.01)
	m.RecordDeviceMonitorDuration(0.02)
	m.RecordDBQuery("get_device", 0.001)
	m.RecordCacheHit("dataset")
	m.RecordCacheMiss("connection")
	m.RecordCircuitBreakerTrip("conn-1")
	m.SetHostStats(10, 20)
}

func TestNewMetricsStdoutExporterBuildsWithoutError(t *testing.T) {
	cfg := MetricsConfig{Enabled: true, ServiceName: "transmissiond-test", ExporterType: ExporterStdout}
	m, err := NewMetrics(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	defer m.Shutdown(context.Background())

	m.RecordMessage("http", "success", 5)
}
