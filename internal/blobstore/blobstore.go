// Package blobstore implements spec.md §6.2's read_dataset contract: load a
// dataset file (csv/tsv/json) from local storage into an ordered list of
// key/value rows.
package blobstore

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
)

// Row is one dataset row decoded into string-valued fields, matching the
// original dataset service's CSV-first semantics (every value round-trips
// as a string; numeric/boolean coercion is a payload concern, not a storage
// concern).
type Row map[string]string

// Store resolves dataset file paths and parses their contents.
type Store struct {
	baseDir        string
	legacyPrefixes []string
}

// New creates a Store rooted at baseDir. legacyPrefixes are path prefixes
// from an older workspace layout that get rewritten to baseDir (spec.md
// §6.2 "legacy workspace prefixes may be rewritten to the configured
// base").
func New(baseDir string, legacyPrefixes ...string) *Store {
	return &Store{baseDir: baseDir, legacyPrefixes: legacyPrefixes}
}

// ResolvePath applies spec.md §6.2's path resolution: absolute paths are
// used as-is, relative paths are resolved under baseDir, and any legacy
// prefix is rewritten first.
func (s *Store) ResolvePath(filePath string) string {
	for _, prefix := range s.legacyPrefixes {
		if strings.HasPrefix(filePath, prefix) {
			filePath = strings.TrimPrefix(filePath, prefix)
			filePath = strings.TrimPrefix(filePath, "/")
			break
		}
	}
	if filepath.IsAbs(filePath) {
		return filePath
	}
	return filepath.Join(s.baseDir, filePath)
}

// ReadDataset loads and parses a dataset file per its declared format.
func (s *Store) ReadDataset(filePath string, format metadatastore.DatasetFormat) ([]Row, error) {
	resolved := s.ResolvePath(filePath)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", resolved, err)
	}

	switch format {
	case metadatastore.DatasetFormatCSV:
		return parseDelimited(data, ',')
	case metadatastore.DatasetFormatTSV:
		return parseDelimited(data, '\t')
	case metadatastore.DatasetFormatJSON:
		return parseJSON(data)
	default:
		return nil, fmt.Errorf("blobstore: unsupported dataset format %q", format)
	}
}

func parseDelimited(data []byte, delimiter rune) ([]Row, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.Comma = delimiter
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("blobstore: parse delimited: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseJSON(data []byte) ([]Row, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var rawRows []map[string]any
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &rawRows); err != nil {
			return nil, fmt.Errorf("blobstore: parse json array: %w", err)
		}
	} else {
		// Singleton object wrapped to a 1-element list (spec.md §6.2).
		var single map[string]any
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("blobstore: parse json object: %w", err)
		}
		rawRows = []map[string]any{single}
	}

	rows := make([]Row, 0, len(rawRows))
	for _, raw := range rawRows {
		row := make(Row, len(raw))
		for k, v := range raw {
			row[k] = stringifyJSONValue(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func stringifyJSONValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
