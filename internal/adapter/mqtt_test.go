package adapter

import "testing"

func TestNormalizeBrokerURLInfersSchemeTransportAndDefaultPort(t *testing.T) {
	cases := []struct {
		in         string
		wantHost   string
		wantUseTLS bool
	}{
		{"mqtt://broker.local", "broker.local:1883", false},
		{"tcp://broker.local", "broker.local:1883", false},
		{"mqtt://broker.local:1884", "broker.local:1884", false},
		{"mqtts://broker.local", "broker.local:8883", true},
		{"ssl://broker.local", "broker.local:8883", true},
		{"ws://broker.local", "broker.local:80", false},
		{"wss://broker.local", "broker.local:443", true},
	}
	for _, c := range cases {
		normalized, useTLS, err := normalizeBrokerURL(c.in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.in, err)
		}
		if useTLS != c.wantUseTLS {
			t.Fatalf("%s: expected useTLS=%v, got %v", c.in, c.wantUseTLS, useTLS)
		}
		if !contains(normalized, c.wantHost) {
			t.Fatalf("%s: expected normalized broker %q to contain host %q", c.in, normalized, c.wantHost)
		}
	}
}

func TestNormalizeBrokerURLRejectsUnsupportedScheme(t *testing.T) {
	if _, _, err := normalizeBrokerURL("amqp://broker.local"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestMQTTAdapterValidateConfigRejectsOutOfRangeQoS(t *testing.T) {
	a := NewMQTTAdapter(0, 0)
	if err := a.ValidateConfig(map[string]any{"broker_url": "mqtt://broker.local", "qos": 3}); err == nil {
		t.Fatal("expected error for qos out of range")
	}
	if err := a.ValidateConfig(map[string]any{"broker_url": "mqtt://broker.local", "qos": 1}); err != nil {
		t.Fatalf("expected valid qos to pass, got %v", err)
	}
}

func TestClassifyMQTTConnectErrorReportsAuthenticationFailedOnCredentialRejection(t *testing.T) {
	pubErr := classifyMQTTConnectError(errString("Not Authorized"))
	if pubErr.Code != ErrorCodeAuthenticationFailed {
		t.Fatalf("expected AUTHENTICATION_FAILED, got %q", pubErr.Code)
	}
	if pubErr.Category != CategoryAuth {
		t.Fatalf("expected CategoryAuth, got %q", pubErr.Category)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

type errString string

func (e errString) Error() string { return string(e) }
