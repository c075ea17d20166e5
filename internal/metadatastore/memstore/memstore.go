// Package memstore is an in-memory fake of metadatastore.Store for tests
// that don't want a real sqlite file.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
)

// Store is a thread-safe in-memory metadatastore.Store.
type Store struct {
	mu sync.Mutex

	connections map[string]metadatastore.Connection
	devices     map[string]metadatastore.Device
	datasets    map[string]metadatastore.Dataset
	links       map[string][]metadatastore.DeviceDatasetLink
	logs        []metadatastore.TransmissionLog
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		connections: make(map[string]metadatastore.Connection),
		devices:     make(map[string]metadatastore.Device),
		datasets:    make(map[string]metadatastore.Dataset),
		links:       make(map[string][]metadatastore.DeviceDatasetLink),
	}
}

// PutConnection seeds a connection.
func (s *Store) PutConnection(c metadatastore.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ID] = c
}

// PutDevice seeds a device.
func (s *Store) PutDevice(d metadatastore.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

// PutDataset seeds a dataset.
func (s *Store) PutDataset(d metadatastore.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[d.ID] = d
}

// LinkDataset links a dataset to a device.
func (s *Store) LinkDataset(link metadatastore.DeviceDatasetLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.DeviceID] = append(s.links[link.DeviceID], link)
}

// Logs returns a snapshot of every appended transmission log, for test
// assertions.
func (s *Store) Logs() []metadatastore.TransmissionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metadatastore.TransmissionLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// Device returns a snapshot of a device's current persisted state, for
// test assertions.
func (s *Store) Device(id string) (metadatastore.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, ok
}

func (s *Store) GetConnection(_ context.Context, id string) (metadatastore.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok || c.IsDeleted {
		return metadatastore.Connection{}, metadatastore.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListEligibleDevices(_ context.Context, limit int) ([]metadatastore.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []metadatastore.Device
	for _, d := range s.devices {
		if d.IsDeleted || !d.IsActive || !d.TransmissionEnabled || d.ConnectionID == "" {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetDevice(_ context.Context, id string) (metadatastore.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return metadatastore.Device{}, metadatastore.ErrNotFound
	}
	return d, nil
}

func (s *Store) UpdateDevice(_ context.Context, id string, update metadatastore.DeviceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return metadatastore.ErrNotFound
	}
	applyUpdate(&d, update)
	s.devices[id] = d
	return nil
}

func applyUpdate(d *metadatastore.Device, update metadatastore.DeviceUpdate) {
	if update.CurrentRowIndex != nil {
		d.CurrentRowIndex = *update.CurrentRowIndex
	}
	if update.Status != nil {
		d.Status = *update.Status
	}
	if update.LastTransmissionAt != nil {
		d.LastTransmissionAt = *update.LastTransmissionAt
	}
	if update.TransmissionEnabled != nil {
		d.TransmissionEnabled = *update.TransmissionEnabled
	}
}

func (s *Store) ListDeviceDatasetLinks(_ context.Context, deviceID string) ([]metadatastore.DeviceDatasetLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := append([]metadatastore.DeviceDatasetLink(nil), s.links[deviceID]...)
	sort.Slice(links, func(i, j int) bool {
		if links[i].LinkedAt.Equal(links[j].LinkedAt) {
			return links[i].DatasetID < links[j].DatasetID
		}
		return links[i].LinkedAt.Before(links[j].LinkedAt)
	})
	return links, nil
}

func (s *Store) GetDataset(_ context.Context, id string) (metadatastore.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return metadatastore.Dataset{}, metadatastore.ErrNotFound
	}
	return d, nil
}

func (s *Store) AppendTransmissionLogs(_ context.Context, logs []metadatastore.TransmissionLog, deviceID string, update metadatastore.DeviceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, logs...)

	d, ok := s.devices[deviceID]
	if !ok {
		return metadatastore.ErrNotFound
	}
	applyUpdate(&d, update)
	s.devices[deviceID] = d
	return nil
}

func (s *Store) Close() error { return nil }
