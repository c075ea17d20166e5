package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/cache"
	"github.com/joluben/iotdevsim-transmission/internal/device"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore/memstore"
)

func setup(t *testing.T) (*memstore.Store, *blobstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.csv")
	if err := os.WriteFile(path, []byte("v\n10\n20\n30\n"), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return memstore.New(), blobstore.New(dir), "rows.csv"
}

func TestReconcileAdoptsNewlyEligibleDevice(t *testing.T) {
	store, blobs, datasetFile := setup(t)
	store.PutConnection(metadatastore.Connection{ID: "conn-1", Protocol: metadatastore.ProtocolMQTT})
	store.PutDataset(metadatastore.Dataset{ID: "ds-1", FilePath: datasetFile, Format: metadatastore.DatasetFormatCSV, Status: "ready"})
	store.PutDevice(metadatastore.Device{
		ID: "dev-1", DeviceRef: "DEV00001", DeviceType: metadatastore.DeviceTypeSensor,
		ConnectionID: "conn-1", TransmissionEnabled: true, TransmissionFrequencySecs: 1,
		TransmissionConfig: metadatastore.TransmissionConfig{BatchSize: 1},
		IsActive:           true,
	})
	store.LinkDataset(metadatastore.DeviceDatasetLink{DeviceID: "dev-1", DatasetID: "ds-1"})

	devices := device.NewMap()
	datasets := cache.NewDatasetCache(time.Minute)
	m := New(store, blobs, datasets, devices, nil, time.Second, 100)

	m.ReconcileOnce(context.Background())

	s, ok := devices.Get("dev-1")
	if !ok {
		t.Fatal("expected dev-1 adopted")
	}
	if s.DatasetRowCount != 3 {
		t.Fatalf("expected 3 dataset rows loaded, got %d", s.DatasetRowCount)
	}
	if s.ConnectionID != "conn-1" {
		t.Fatalf("expected connection conn-1, got %q", s.ConnectionID)
	}
}

func TestReconcileDropsNoLongerEligibleDevice(t *testing.T) {
	store, blobs, _ := setup(t)
	devices := device.NewMap()
	devices.Put(device.RuntimeState{DeviceID: "dev-stale"})

	datasets := cache.NewDatasetCache(time.Minute)
	m := New(store, blobs, datasets, devices, nil, time.Second, 100)
	m.ReconcileOnce(context.Background())

	if devices.Has("dev-stale") {
		t.Fatal("expected stale device dropped")
	}
}

func TestReconcilePreservesInFlightRowIndex(t *testing.T) {
	store, blobs, datasetFile := setup(t)
	store.PutDataset(metadatastore.Dataset{ID: "ds-1", FilePath: datasetFile, Format: metadatastore.DatasetFormatCSV, Status: "ready"})
	store.PutDevice(metadatastore.Device{
		ID: "dev-1", ConnectionID: "conn-1", TransmissionEnabled: true, IsActive: true,
		CurrentRowIndex: 5,
	})
	store.LinkDataset(metadatastore.DeviceDatasetLink{DeviceID: "dev-1", DatasetID: "ds-1"})

	devices := device.NewMap()
	devices.Put(device.RuntimeState{DeviceID: "dev-1", CurrentRowIndex: 1, InFlight: true})

	datasets := cache.NewDatasetCache(time.Minute)
	m := New(store, blobs, datasets, devices, nil, time.Second, 100)
	m.ReconcileOnce(context.Background())

	s, _ := devices.Get("dev-1")
	if s.CurrentRowIndex != 1 {
		t.Fatalf("expected in-flight row index preserved at 1, got %d", s.CurrentRowIndex)
	}
}

func TestEffectiveBatchSizeCapsSensorsAtOne(t *testing.T) {
	d := metadatastore.Device{DeviceType: metadatastore.DeviceTypeSensor, TransmissionConfig: metadatastore.TransmissionConfig{BatchSize: 10}}
	if got := effectiveBatchSize(d); got != 1 {
		t.Fatalf("expected sensor batch_size capped at 1, got %d", got)
	}

	dl := metadatastore.Device{DeviceType: metadatastore.DeviceTypeDatalogger, TransmissionConfig: metadatastore.TransmissionConfig{BatchSize: 10}}
	if got := effectiveBatchSize(dl); got != 10 {
		t.Fatalf("expected datalogger batch_size preserved at 10, got %d", got)
	}
}
