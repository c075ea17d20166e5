package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/cache"
	"github.com/joluben/iotdevsim-transmission/internal/device"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore/memstore"
	"github.com/joluben/iotdevsim-transmission/internal/monitor"
)

func testServer(t *testing.T, secret string) (*Server, *memstore.Store, *device.Map) {
	t.Helper()
	store := memstore.New()
	devices := device.NewMap()
	blobs := blobstore.New(t.TempDir())
	datasets := cache.NewDatasetCache(time.Minute)
	m := monitor.New(store, blobs, datasets, devices, nil, time.Second, 100)
	return NewServer(New(m, devices, store, nil), secret), store, devices
}

func TestServerStartRequiresSharedSecretWhenConfigured(t *testing.T) {
	srv, store, _ := testServer(t, "topsecret")
	store.PutConnection(metadatastore.Connection{ID: "conn-1", Protocol: metadatastore.ProtocolHTTP})
	store.PutDevice(metadatastore.Device{ID: "dev-1", ConnectionID: "conn-1", IsActive: true, TransmissionEnabled: true})

	req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/start", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/devices/dev-1/start", nil)
	req.Header.Set("X-Control-Token", "topsecret")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with correct token, got %d", rec.Code)
	}
}

func TestServerStopParsesResetRowIndexBody(t *testing.T) {
	srv, store, devices := testServer(t, "")
	store.PutDevice(metadatastore.Device{ID: "dev-1", CurrentRowIndex: 4})
	devices.Put(device.RuntimeState{DeviceID: "dev-1", CurrentRowIndex: 4})

	req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/stop", strings.NewReader(`{"reset_row_index": true}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	d, _ := store.Device("dev-1")
	if d.CurrentRowIndex != 0 {
		t.Fatalf("expected current_row_index reset to 0, got %d", d.CurrentRowIndex)
	}
	if devices.Has("dev-1") {
		t.Fatal("expected runtime state dropped")
	}
}

func TestServerStopWithEmptyBodyDoesNotResetRowIndex(t *testing.T) {
	srv, store, devices := testServer(t, "")
	store.PutDevice(metadatastore.Device{ID: "dev-1", CurrentRowIndex: 4})
	devices.Put(device.RuntimeState{DeviceID: "dev-1", CurrentRowIndex: 4})

	req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/stop", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	d, _ := store.Device("dev-1")
	if d.CurrentRowIndex != 4 {
		t.Fatalf("expected current_row_index unchanged, got %d", d.CurrentRowIndex)
	}
}

func TestServerTestConnectionWithoutAdaptersConfiguredReturnsBadGateway(t *testing.T) {
	srv, store, _ := testServer(t, "")
	store.PutConnection(metadatastore.Connection{ID: "conn-1", Protocol: metadatastore.ProtocolHTTP})

	req := httptest.NewRequest(http.MethodPost, "/connections/conn-1/test", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 without a configured adapter registry, got %d", rec.Code)
	}
}
