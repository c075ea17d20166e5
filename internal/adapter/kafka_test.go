package adapter

import (
	"testing"

	kafka "github.com/segmentio/kafka-go"
)

func TestBootstrapServersFromConfigAcceptsStringAndListForms(t *testing.T) {
	got, err := bootstrapServersFromConfig(map[string]any{"bootstrap_servers": "broker1:9092"})
	if err != nil || len(got) != 1 || got[0] != "broker1:9092" {
		t.Fatalf("string form: got %v, %v", got, err)
	}

	got, err = bootstrapServersFromConfig(map[string]any{"bootstrap_servers": []any{"broker1:9092", "broker2:9092"}})
	if err != nil || len(got) != 2 {
		t.Fatalf("list form: got %v, %v", got, err)
	}
}

func TestBootstrapServersFromConfigRejectsMissingField(t *testing.T) {
	if _, err := bootstrapServersFromConfig(map[string]any{}); err == nil {
		t.Fatal("expected error for missing bootstrap_servers")
	}
}

func TestKafkaAcksFromConfigCoercesNumericStringsAndAll(t *testing.T) {
	cases := []struct {
		in   any
		want kafka.RequiredAcks
	}{
		{nil, kafka.RequireOne},
		{"0", kafka.RequireNone},
		{"1", kafka.RequireOne},
		{"-1", kafka.RequireAll},
		{"all", kafka.RequireAll},
		{0, kafka.RequireNone},
		{1.0, kafka.RequireOne},
	}
	for _, c := range cases {
		config := map[string]any{}
		if c.in != nil {
			config["acks"] = c.in
		}
		got, err := kafkaAcksFromConfig(config)
		if err != nil {
			t.Fatalf("acks=%v: unexpected error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("acks=%v: expected %v, got %v", c.in, c.want, got)
		}
	}
}

func TestKafkaAcksFromConfigRejectsUnsupportedValue(t *testing.T) {
	if _, err := kafkaAcksFromConfig(map[string]any{"acks": "2"}); err == nil {
		t.Fatal("expected error for unsupported acks value")
	}
}

func TestKafkaCompressionFromConfigDefaultsToLz4(t *testing.T) {
	got, err := kafkaCompressionFromConfig(map[string]any{})
	if err != nil || got != kafka.Lz4 {
		t.Fatalf("expected default lz4, got %v, %v", got, err)
	}
}

func TestKafkaAdapterValidateConfigRequiresBootstrapServers(t *testing.T) {
	a := NewKafkaAdapter(0, 0)
	if err := a.ValidateConfig(map[string]any{}); err == nil {
		t.Fatal("expected error for missing bootstrap_servers")
	}
	if err := a.ValidateConfig(map[string]any{"bootstrap_servers": "broker1:9092"}); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}
