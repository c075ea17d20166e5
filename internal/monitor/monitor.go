// Package monitor implements the Device Monitor reconciliation loop
// (spec.md §4.2): on a fixed cadence, it fetches the set of eligible
// devices from the metadata store and reconciles them against the
// scheduler's in-memory runtime map.
package monitor

import (
	"context"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/cache"
	"github.com/joluben/iotdevsim-transmission/internal/device"
	"github.com/joluben/iotdevsim-transmission/internal/events"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/obs"
)

// Monitor reconciles device.Map against metadatastore.Store on a fixed
// cadence.
type Monitor struct {
	store      metadatastore.Store
	blobs      *blobstore.Store
	datasets   *cache.DatasetCache
	devices    *device.Map
	logger     *events.Logger
	reporter   obs.Reporter
	interval   time.Duration
	maxActive  int
}

// New builds a Monitor. logger may be nil, in which case events.Noop() is
// used; the reporter starts as obs.Noop() until SetReporter installs one.
func New(store metadatastore.Store, blobs *blobstore.Store, datasets *cache.DatasetCache, devices *device.Map, logger *events.Logger, interval time.Duration, maxActive int) *Monitor {
	if logger == nil {
		logger = events.Noop()
	}
	return &Monitor{store: store, blobs: blobs, datasets: datasets, devices: devices, logger: logger, reporter: obs.Noop(), interval: interval, maxActive: maxActive}
}

// SetReporter installs the observability sink used for device-monitor
// duration and dataset cache hit/miss metrics (spec.md §6.4).
func (m *Monitor) SetReporter(reporter obs.Reporter) {
	if reporter == nil {
		reporter = obs.Noop()
	}
	m.reporter = reporter
}

// Run blocks, reconciling on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs a single reconciliation pass; exported for callers
// that need an immediate full sync outside the ticker cadence.
func (m *Monitor) ReconcileOnce(ctx context.Context) {
	m.reconcileOnce(ctx)
}

// SyncDevice implements the Control Handler's start() contract (spec.md
// §4.3): fetch one device and adopt-or-refresh it if it now qualifies for
// transmission, or drop its runtime state if it doesn't. Unlike
// ReconcileOnce this touches only the named device, so a control-plane
// push doesn't pay for a full eligible-device scan.
func (m *Monitor) SyncDevice(ctx context.Context, deviceID string) error {
	d, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !eligible(d) {
		m.devices.Drop(deviceID)
		return nil
	}
	m.reconcileDevice(ctx, d)
	return nil
}

func eligible(d metadatastore.Device) bool {
	return !d.IsDeleted && d.IsActive && d.TransmissionEnabled && d.ConnectionID != ""
}

func (m *Monitor) reconcileOnce(ctx context.Context) {
	start := time.Now()
	defer func() { m.reporter.RecordDeviceMonitorDuration(time.Since(start).Seconds()) }()

	dbStart := time.Now()
	fetched, err := m.store.ListEligibleDevices(ctx, m.maxActive)
	m.reporter.RecordDBQuery("list_eligible_devices", time.Since(dbStart).Seconds())
	if err != nil {
		m.logger.EngineError("", err)
		return
	}

	fetchedIDs := make(map[string]bool, len(fetched))
	for _, d := range fetched {
		fetchedIDs[d.ID] = true
		m.reconcileDevice(ctx, d)
	}

	for _, trackedID := range m.devices.DeviceIDs() {
		if !fetchedIDs[trackedID] {
			m.devices.Drop(trackedID)
			m.logger.DeviceDropped(trackedID, "no longer eligible")
		}
	}

	m.reporter.SetActiveDevices(int64(m.devices.Len()))
}

// reconcileDevice implements spec.md §4.2's per-device contract: create a
// fresh runtime entry for a newly eligible device, or refresh mutable
// fields on an existing one without clobbering an in-flight row index.
func (m *Monitor) reconcileDevice(ctx context.Context, d metadatastore.Device) {
	if !m.devices.Has(d.ID) {
		rows, rowCount := m.loadDatasetRows(ctx, d.ID)
		m.devices.Put(device.RuntimeState{
			DeviceID:         d.ID,
			DeviceRef:        d.DeviceRef,
			ConnectionID:     d.ConnectionID,
			ProjectID:        d.ProjectID,
			DeviceType:       d.NormalizedType(),
			FrequencySeconds: d.TransmissionFrequencySecs,
			BatchSize:        effectiveBatchSize(d),
			AutoReset:        d.TransmissionConfig.AutoReset,
			JitterMs:         d.TransmissionConfig.JitterMs,
			RetryOnError:     d.TransmissionConfig.RetryOnError,
			MaxRetries:       d.TransmissionConfig.MaxRetries,
			IncludeDeviceID:  d.TransmissionConfig.IncludeDeviceID,
			IncludeTimestamp: d.TransmissionConfig.IncludeTimestamp,
			CurrentRowIndex:  d.CurrentRowIndex,
			DatasetRows:      rows,
			DatasetRowCount:  rowCount,
		})
		m.logger.DeviceAdopted(d.ID, d.DeviceRef, d.ConnectionID)
		return
	}

	m.devices.Mutate(d.ID, func(s *device.RuntimeState) {
		s.FrequencySeconds = d.TransmissionFrequencySecs
		s.BatchSize = effectiveBatchSize(d)
		s.AutoReset = d.TransmissionConfig.AutoReset
		s.JitterMs = d.TransmissionConfig.JitterMs
		s.RetryOnError = d.TransmissionConfig.RetryOnError
		s.MaxRetries = d.TransmissionConfig.MaxRetries
		s.IncludeDeviceID = d.TransmissionConfig.IncludeDeviceID
		s.IncludeTimestamp = d.TransmissionConfig.IncludeTimestamp
		s.ConnectionID = d.ConnectionID

		// Never overwrite current_row_index while a dispatch is in
		// flight — it would race an uncommitted advance (spec.md §4.2).
		if !s.InFlight {
			s.CurrentRowIndex = d.CurrentRowIndex
		}

		rows, rowCount := m.loadDatasetRows(ctx, d.ID)
		s.DatasetRows = rows
		s.DatasetRowCount = rowCount
	})
}

// effectiveBatchSize caps batch_size at 1 for sensors as a safety net
// (spec.md §4.6: "the engine trusts that invariant but caps batch_size at
// 1 when device_type == sensor").
func effectiveBatchSize(d metadatastore.Device) int {
	batchSize := d.TransmissionConfig.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	if d.NormalizedType() == metadatastore.DeviceTypeSensor {
		return 1
	}
	return batchSize
}

// loadDatasetRows concatenates a device's linked datasets' rows into one
// logical row sequence in stable link order (spec.md §3's
// Device-Dataset link contract).
func (m *Monitor) loadDatasetRows(ctx context.Context, deviceID string) ([]blobstore.Row, int) {
	links, err := m.store.ListDeviceDatasetLinks(ctx, deviceID)
	if err != nil {
		m.logger.EngineError(deviceID, err)
		return nil, 0
	}

	var all []blobstore.Row
	for _, link := range links {
		ds, err := m.store.GetDataset(ctx, link.DatasetID)
		if err != nil || !ds.Ready() {
			continue
		}
		resolved := m.blobs.ResolvePath(ds.FilePath)
		rows, hit, err := m.datasets.GetWithHit(ctx, ds.ID, resolved, func(ctx context.Context) ([]blobstore.Row, error) {
			return m.blobs.ReadDataset(ds.FilePath, ds.Format)
		})
		if hit {
			m.reporter.RecordCacheHit("dataset")
		} else {
			m.reporter.RecordCacheMiss("dataset")
		}
		if err != nil {
			m.logger.EngineError(deviceID, err)
			continue
		}
		all = append(all, rows...)
	}
	return all, len(all)
}
