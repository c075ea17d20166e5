package adapter

import (
	"context"
	"testing"

	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/pool"
)

func TestSanitizeReplacesMessagesContainingCredentialMarkers(t *testing.T) {
	cases := []struct {
		in       string
		withheld bool
	}{
		{"connection refused", false},
		{"invalid password for user", true},
		{"Bearer TOKEN expired", true},
		{"bad api key supplied", true},
		{"secret rotation failed", true},
		{"auth handshake failed", true},
		{"timeout dialing broker", false},
	}
	for _, c := range cases {
		got := Sanitize(c.in)
		if c.withheld && got == c.in {
			t.Errorf("Sanitize(%q): expected message withheld, got unchanged", c.in)
		}
		if !c.withheld && got != c.in {
			t.Errorf("Sanitize(%q): expected unchanged, got %q", c.in, got)
		}
	}
}

type fakeAdapter struct {
	validateErr error
	dialErr     error
	unhealthy   bool
}

type fakeHandle struct{ unhealthy bool }

func (h *fakeHandle) Healthy(context.Context) bool { return !h.unhealthy }
func (h *fakeHandle) Close() error                 { return nil }

func (a *fakeAdapter) ValidateConfig(map[string]any) error { return a.validateErr }
func (a *fakeAdapter) Dial(ctx context.Context, id string, cfg map[string]any) (pool.Handle, error) {
	if a.dialErr != nil {
		return nil, a.dialErr
	}
	return &fakeHandle{unhealthy: a.unhealthy}, nil
}
func (a *fakeAdapter) Publish(ctx context.Context, cfg map[string]any, topic string, payload []byte) (PublishResult, error) {
	return PublishResult{}, nil
}
func (a *fakeAdapter) PublishPooled(ctx context.Context, h pool.Handle, topic string, payload []byte) (PublishResult, error) {
	return PublishResult{}, nil
}

func TestRegistryForReturnsRegisteredAdapter(t *testing.T) {
	fa := &fakeAdapter{}
	r := NewRegistry(map[metadatastore.Protocol]Adapter{metadatastore.ProtocolMQTT: fa})

	got, ok := r.For(metadatastore.ProtocolMQTT)
	if !ok || got != fa {
		t.Fatal("expected registered adapter to be returned")
	}
	if _, ok := r.For(metadatastore.ProtocolKafka); ok {
		t.Fatal("expected unregistered protocol to miss")
	}
}

func TestTestConnectionSucceedsForHealthyHandle(t *testing.T) {
	r := NewRegistry(map[metadatastore.Protocol]Adapter{metadatastore.ProtocolHTTP: &fakeAdapter{}})
	if err := r.TestConnection(context.Background(), metadatastore.ProtocolHTTP, map[string]any{}); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
}

func TestTestConnectionFailsForUnknownProtocol(t *testing.T) {
	r := NewRegistry(map[metadatastore.Protocol]Adapter{})
	if err := r.TestConnection(context.Background(), metadatastore.ProtocolKafka, map[string]any{}); err == nil {
		t.Fatal("expected error for unregistered protocol")
	}
}

func TestTestConnectionFailsForUnhealthyHandle(t *testing.T) {
	r := NewRegistry(map[metadatastore.Protocol]Adapter{metadatastore.ProtocolHTTP: &fakeAdapter{unhealthy: true}})
	if err := r.TestConnection(context.Background(), metadatastore.ProtocolHTTP, map[string]any{}); err == nil {
		t.Fatal("expected error for unhealthy handle")
	}
}
