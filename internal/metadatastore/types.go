// Package metadatastore defines the narrow interface the transmission
// engine uses to read device/connection/dataset configuration and to write
// back device bookkeeping and transmission logs (spec.md §6.1), plus a
// runnable reference implementation against modernc.org/sqlite.
package metadatastore

import "time"

// Protocol is the wire protocol a Connection speaks.
type Protocol string

const (
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolKafka Protocol = "kafka"
)

// DeviceType distinguishes the payload shape a device produces
// (spec.md §4.6). Comparisons against it are case-insensitive per spec.md
// §4.2 edge cases; NormalizedType does the folding.
type DeviceType string

const (
	DeviceTypeSensor     DeviceType = "sensor"
	DeviceTypeDatalogger DeviceType = "datalogger"
)

// Status is the persisted device status (spec.md §3).
type Status string

const (
	StatusIdle         Status = "idle"
	StatusTransmitting Status = "transmitting"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
)

// Connection is the subset of the connections table the engine reads.
// The engine never writes to this table.
type Connection struct {
	ID        string
	Protocol  Protocol
	Config    map[string]any
	IsDeleted bool
}

// TransmissionConfig is devices.transmission_config decoded, spec.md §3.
type TransmissionConfig struct {
	BatchSize         int
	AutoReset         bool
	IncludeDeviceID   bool
	IncludeTimestamp  bool
	JitterMs          int
	RetryOnError      bool
	MaxRetries        int
}

// Device is the subset of the devices table the engine reads. The engine
// writes back CurrentRowIndex, Status, LastTransmissionAt, and on pause
// TransmissionEnabled=false.
type Device struct {
	ID                        string
	DeviceRef                 string
	DeviceType                DeviceType
	ConnectionID              string // empty if none
	ProjectID                 string // empty if none
	TransmissionEnabled       bool
	TransmissionFrequencySecs int
	TransmissionConfig        TransmissionConfig
	CurrentRowIndex           int
	Status                    Status
	LastTransmissionAt        time.Time
	IsActive                  bool
	IsDeleted                 bool
}

// NormalizedType folds DeviceType case-insensitively, per spec.md §4.2.
func (d Device) NormalizedType() DeviceType {
	switch DeviceType(lower(string(d.DeviceType))) {
	case DeviceTypeDatalogger:
		return DeviceTypeDatalogger
	default:
		return DeviceTypeSensor
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// DatasetFormat is the on-disk encoding of a dataset file.
type DatasetFormat string

const (
	DatasetFormatCSV  DatasetFormat = "csv"
	DatasetFormatTSV  DatasetFormat = "tsv"
	DatasetFormatJSON DatasetFormat = "json"
)

// Dataset is the subset of the datasets table the engine reads. The engine
// never writes to this table.
type Dataset struct {
	ID       string
	FilePath string
	Format   DatasetFormat
	RowCount int
	Status   string
}

// Ready reports whether the dataset's status compares case-insensitively
// equal to "ready" (spec.md §6.1).
func (d Dataset) Ready() bool {
	return lower(d.Status) == "ready"
}

// DeviceDatasetLink is one row of the device_datasets many-to-many table.
// Engine reads only; ordering is by LinkedAt ascending then DatasetID as
// tiebreaker (spec.md §6.1).
type DeviceDatasetLink struct {
	DeviceID  string
	DatasetID string
	Config    map[string]any
	LinkedAt  time.Time
}

// Direction is transmission_logs.direction.
type Direction string

const (
	DirectionSent   Direction = "sent"
	DirectionFailed Direction = "failed"
)

// LogStatus is transmission_logs.status.
type LogStatus string

const (
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
)

// TransmissionLog is one append-only row in transmission_logs. The engine
// writes only; it never reads this table back.
type TransmissionLog struct {
	ID             string
	Timestamp      time.Time
	ProjectID      string
	DeviceID       string
	ConnectionID   string
	MessageType    string
	Direction      Direction
	PayloadSize    int
	MessageContent map[string]any // nil when omitted, see config.Engine.LogPayloadCapBytes
	Protocol       Protocol
	Topic          string
	Status         LogStatus
	LatencyMs      float64
	RetryCount     int
	IsSimulated    bool
	Metadata       map[string]any
}

// DeviceUpdate is a partial update applied atomically to a device row
// (spec.md §9 "Large enumerated field-by-field model updates... replace
// with a partial-update value type"). Nil fields are left untouched.
type DeviceUpdate struct {
	CurrentRowIndex     *int
	Status              *Status
	LastTransmissionAt  *time.Time
	TransmissionEnabled *bool
}
