// Package payload builds the JSON document sent to a device's connection,
// per spec.md §4.6: a pure function of the device's include flags, type,
// and the batch of dataset rows being sent — no I/O, no side effects.
package payload

import (
	"encoding/json"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
)

// Row pairs an absolute dataset row index with its data, used for the
// datalogger batched shape.
type Row struct {
	Index int
	Data  blobstore.Row
}

// Options carries the include flags and type that shape the payload.
type Options struct {
	DeviceRef        string
	DeviceType       metadatastore.DeviceType
	IncludeDeviceID  bool
	IncludeTimestamp bool
}

// Build constructs the JSON document for one dispatch attempt. rows is the
// batch in absolute-index order; now is the wall-clock instant to stamp
// (injected rather than read from time.Now so callers control it, and so
// the entire dispatch uses one consistent timestamp across payload,
// transmission log, and device state update).
func Build(opts Options, rows []Row, now time.Time) (map[string]any, error) {
	doc := make(map[string]any, 3)
	if opts.IncludeDeviceID {
		doc["device_id"] = opts.DeviceRef
	}
	if opts.IncludeTimestamp {
		doc["timestamp"] = now.UTC().Format(time.RFC3339)
	}

	// Sensors always use the single-row shape (spec.md §4.6: "Sensors must
	// only ever use the single-row shape"); datalogger only uses the
	// batched shape when the batch actually contains more than one row.
	if opts.DeviceType == metadatastore.DeviceTypeDatalogger && len(rows) > 1 {
		batch := make([]map[string]any, len(rows))
		for i, r := range rows {
			batch[i] = map[string]any{
				"row":  r.Index,
				"data": rowToAny(r.Data),
			}
		}
		doc["batch"] = batch
		return doc, nil
	}

	if len(rows) > 0 {
		doc["data"] = rowToAny(rows[0].Data)
	}
	return doc, nil
}

func rowToAny(row blobstore.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Marshal serialises doc once; the adapter uses the same byte buffer for
// both publishing and payload_size accounting (spec.md §4.5).
func Marshal(doc map[string]any) ([]byte, error) {
	return json.Marshal(doc)
}
