package metadatastore

import "context"

// Store is the narrow interface the transmission engine depends on, per
// spec.md §6.1. Implementations: SQLStore (modernc.org/sqlite-backed) and
// memstore.Store (in-memory fake for tests).
type Store interface {
	// GetConnection returns the connection by id, or ErrNotFound. The
	// engine never writes connections.
	GetConnection(ctx context.Context, id string) (Connection, error)

	// ListEligibleDevices returns devices where
	// is_deleted=false AND is_active=true AND transmission_enabled=true
	// AND connection_id IS NOT NULL, capped at limit (spec.md §4.2).
	ListEligibleDevices(ctx context.Context, limit int) ([]Device, error)

	// GetDevice returns one device by id, or ErrNotFound.
	GetDevice(ctx context.Context, id string) (Device, error)

	// UpdateDevice applies a partial update atomically.
	UpdateDevice(ctx context.Context, id string, update DeviceUpdate) error

	// ListDeviceDatasetLinks returns the dataset links for a device in
	// stable link order: LinkedAt ascending, DatasetID tiebreaker.
	ListDeviceDatasetLinks(ctx context.Context, deviceID string) ([]DeviceDatasetLink, error)

	// GetDataset returns one dataset by id, or ErrNotFound.
	GetDataset(ctx context.Context, id string) (Dataset, error)

	// AppendTransmissionLogs writes one or more log rows and applies a
	// device update in one transaction (spec.md §4.7 step 14).
	AppendTransmissionLogs(ctx context.Context, logs []TransmissionLog, deviceID string, update DeviceUpdate) error

	// Close releases underlying resources.
	Close() error
}

// ErrNotFound is returned by Get* methods when the row doesn't exist (or
// is soft-deleted where the query filters it out).
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "metadatastore: not found" }
