package metadatastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLStore is the reference Store implementation, backed by
// modernc.org/sqlite (pure Go, no cgo). It creates its schema on first use
// so the engine is runnable against a throwaway file or ":memory:" without
// an external migration tool — spec.md §6.1 treats the real metadata store
// as an external relational database; this is the stand-in the engine ships
// with for tests and local runs.
type SQLStore struct {
	db *sql.DB
}

// Open creates a SQLStore against the given sqlite DSN (a file path or
// "file::memory:?cache=shared").
func Open(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadatastore: migrate: %w", err)
	}
	return s, nil
}

// OpenDB wraps an already-open *sql.DB, applying the schema if absent.
func OpenDB(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("metadatastore: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			protocol TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			is_deleted INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			device_ref TEXT NOT NULL,
			device_type TEXT NOT NULL,
			connection_id TEXT,
			project_id TEXT,
			transmission_enabled INTEGER NOT NULL DEFAULT 0,
			transmission_frequency INTEGER NOT NULL DEFAULT 60,
			transmission_config TEXT NOT NULL DEFAULT '{}',
			current_row_index INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'idle',
			last_transmission_at TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_deleted INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_devices_connection_id ON devices(connection_id);

		CREATE TABLE IF NOT EXISTS device_datasets (
			device_id TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			linked_at TEXT NOT NULL,
			PRIMARY KEY (device_id, dataset_id)
		);

		CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			file_format TEXT NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ready',
			is_deleted INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS transmission_logs (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			project_id TEXT,
			device_id TEXT NOT NULL,
			connection_id TEXT,
			message_type TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload_size INTEGER NOT NULL DEFAULT 0,
			message_content TEXT,
			protocol TEXT NOT NULL,
			topic TEXT,
			status TEXT NOT NULL,
			latency_ms REAL NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			is_simulated INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_transmission_logs_ts_device ON transmission_logs(timestamp, device_id);
	`)
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) GetConnection(ctx context.Context, id string) (Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, protocol, config, is_deleted FROM connections WHERE id = ?`, id)
	var c Connection
	var cfgJSON string
	var isDeleted int
	if err := row.Scan(&c.ID, &c.Protocol, &cfgJSON, &isDeleted); err != nil {
		if err == sql.ErrNoRows {
			return Connection{}, ErrNotFound
		}
		return Connection{}, err
	}
	c.IsDeleted = isDeleted != 0
	if err := json.Unmarshal([]byte(cfgJSON), &c.Config); err != nil {
		return Connection{}, fmt.Errorf("metadatastore: decode connection config: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListEligibleDevices(ctx context.Context, limit int) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_ref, device_type, connection_id, project_id, transmission_enabled,
		       transmission_frequency, transmission_config, current_row_index, status,
		       last_transmission_at, is_active, is_deleted
		FROM devices
		WHERE is_deleted = 0 AND is_active = 1 AND transmission_enabled = 1
		  AND connection_id IS NOT NULL AND connection_id != ''
		ORDER BY id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetDevice(ctx context.Context, id string) (Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_ref, device_type, connection_id, project_id, transmission_enabled,
		       transmission_frequency, transmission_config, current_row_index, status,
		       last_transmission_at, is_active, is_deleted
		FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return Device{}, ErrNotFound
	}
	return d, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (Device, error) {
	var d Device
	var connectionID, projectID, lastTxAt sql.NullString
	var txEnabled, isActive, isDeleted int
	var txConfigJSON string

	if err := row.Scan(&d.ID, &d.DeviceRef, &d.DeviceType, &connectionID, &projectID, &txEnabled,
		&d.TransmissionFrequencySecs, &txConfigJSON, &d.CurrentRowIndex, &d.Status,
		&lastTxAt, &isActive, &isDeleted); err != nil {
		return Device{}, err
	}
	d.ConnectionID = connectionID.String
	d.ProjectID = projectID.String
	d.TransmissionEnabled = txEnabled != 0
	d.IsActive = isActive != 0
	d.IsDeleted = isDeleted != 0
	if lastTxAt.Valid && lastTxAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastTxAt.String)
		if err == nil {
			d.LastTransmissionAt = t
		}
	}
	var cfg TransmissionConfig
	if err := json.Unmarshal([]byte(txConfigJSON), &cfg); err != nil {
		return Device{}, fmt.Errorf("metadatastore: decode transmission_config: %w", err)
	}
	d.TransmissionConfig = cfg
	return d, nil
}

func (s *SQLStore) UpdateDevice(ctx context.Context, id string, update DeviceUpdate) error {
	sets, args := buildDeviceUpdateClause(update)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := "UPDATE devices SET " + joinClauses(sets) + " WHERE id = ?"
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func buildDeviceUpdateClause(update DeviceUpdate) ([]string, []any) {
	var sets []string
	var args []any
	if update.CurrentRowIndex != nil {
		sets = append(sets, "current_row_index = ?")
		args = append(args, *update.CurrentRowIndex)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.LastTransmissionAt != nil {
		sets = append(sets, "last_transmission_at = ?")
		args = append(args, update.LastTransmissionAt.Format(time.RFC3339Nano))
	}
	if update.TransmissionEnabled != nil {
		sets = append(sets, "transmission_enabled = ?")
		args = append(args, boolToInt(*update.TransmissionEnabled))
	}
	return sets, args
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) ListDeviceDatasetLinks(ctx context.Context, deviceID string) ([]DeviceDatasetLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, dataset_id, config, linked_at FROM device_datasets
		WHERE device_id = ?
		ORDER BY linked_at ASC, dataset_id ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceDatasetLink
	for rows.Next() {
		var l DeviceDatasetLink
		var cfgJSON, linkedAt string
		if err := rows.Scan(&l.DeviceID, &l.DatasetID, &cfgJSON, &linkedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cfgJSON), &l.Config); err != nil {
			return nil, fmt.Errorf("metadatastore: decode device_datasets.config: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, linkedAt); err == nil {
			l.LinkedAt = t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetDataset(ctx context.Context, id string) (Dataset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, file_path, file_format, row_count, status FROM datasets WHERE id = ? AND is_deleted = 0`, id)
	var d Dataset
	if err := row.Scan(&d.ID, &d.FilePath, &d.Format, &d.RowCount, &d.Status); err != nil {
		if err == sql.ErrNoRows {
			return Dataset{}, ErrNotFound
		}
		return Dataset{}, err
	}
	return d, nil
}

func (s *SQLStore) AppendTransmissionLogs(ctx context.Context, logs []TransmissionLog, deviceID string, update DeviceUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transmission_logs
			(id, timestamp, project_id, device_id, connection_id, message_type, direction,
			 payload_size, message_content, protocol, topic, status, latency_ms, retry_count,
			 is_simulated, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		var contentJSON any
		if l.MessageContent != nil {
			b, err := json.Marshal(l.MessageContent)
			if err != nil {
				return fmt.Errorf("metadatastore: encode message_content: %w", err)
			}
			contentJSON = string(b)
		}
		metaJSON, err := json.Marshal(l.Metadata)
		if err != nil {
			return fmt.Errorf("metadatastore: encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, l.ID, l.Timestamp.Format(time.RFC3339Nano), nullIfEmpty(l.ProjectID),
			l.DeviceID, nullIfEmpty(l.ConnectionID), l.MessageType, string(l.Direction), l.PayloadSize,
			contentJSON, string(l.Protocol), nullIfEmpty(l.Topic), string(l.Status), l.LatencyMs,
			l.RetryCount, boolToInt(l.IsSimulated), string(metaJSON)); err != nil {
			return err
		}
	}

	sets, args := buildDeviceUpdateClause(update)
	if len(sets) > 0 {
		args = append(args, deviceID)
		query := "UPDATE devices SET " + joinClauses(sets) + " WHERE id = ?"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
