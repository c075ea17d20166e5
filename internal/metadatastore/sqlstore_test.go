package metadatastore

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreConnectionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `INSERT INTO connections (id, protocol, config, is_deleted) VALUES (?, ?, ?, 0)`,
		"conn-1", "mqtt", `{"broker_url":"tcp://localhost:1883","topic":"iot/data"}`)
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	c, err := s.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if c.Protocol != ProtocolMQTT {
		t.Fatalf("expected protocol mqtt, got %s", c.Protocol)
	}
	if c.Config["topic"] != "iot/data" {
		t.Fatalf("expected topic iot/data, got %v", c.Config["topic"])
	}

	if _, err := s.GetConnection(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStoreListEligibleDevicesFiltersCorrectly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertDevice := func(id string, enabled, active, deleted bool, connID string) {
		connVal := any(connID)
		if connID == "" {
			connVal = nil
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (id, device_ref, device_type, connection_id, project_id,
				transmission_enabled, transmission_frequency, transmission_config,
				current_row_index, status, is_active, is_deleted)
			VALUES (?, ?, 'sensor', ?, 'proj-1', ?, 5, '{"batch_size":1}', 0, 'idle', ?, ?)`,
			id, id, connVal, boolToInt(enabled), boolToInt(active), boolToInt(deleted))
		if err != nil {
			t.Fatalf("seed device %s: %v", id, err)
		}
	}

	insertDevice("dev-eligible", true, true, false, "conn-1")
	insertDevice("dev-disabled", false, true, false, "conn-1")
	insertDevice("dev-inactive", true, false, false, "conn-1")
	insertDevice("dev-deleted", true, true, true, "conn-1")
	insertDevice("dev-no-conn", true, true, false, "")

	devices, err := s.ListEligibleDevices(ctx, 100)
	if err != nil {
		t.Fatalf("ListEligibleDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "dev-eligible" {
		t.Fatalf("expected exactly [dev-eligible], got %+v", devices)
	}
	if devices[0].TransmissionConfig.BatchSize != 1 {
		t.Fatalf("expected batch_size=1, got %d", devices[0].TransmissionConfig.BatchSize)
	}
}

func TestSQLStoreUpdateDeviceAppliesPartialUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, device_ref, device_type, transmission_config, status, current_row_index)
		VALUES ('dev-1', 'DEV0001', 'sensor', '{}', 'idle', 0)`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	idx := 7
	status := StatusTransmitting
	if err := s.UpdateDevice(ctx, "dev-1", DeviceUpdate{CurrentRowIndex: &idx, Status: &status}); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}

	d, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.CurrentRowIndex != 7 {
		t.Fatalf("expected current_row_index=7, got %d", d.CurrentRowIndex)
	}
	if d.Status != StatusTransmitting {
		t.Fatalf("expected status=transmitting, got %s", d.Status)
	}
}

func TestSQLStoreAppendTransmissionLogsCommitsLogsAndDeviceUpdateTogether(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, device_ref, device_type, transmission_config, status, current_row_index)
		VALUES ('dev-1', 'DEV0001', 'sensor', '{}', 'idle', 0)`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	idx := 3
	status := StatusTransmitting
	logRecord := TransmissionLog{
		Timestamp:   time.Now().UTC(),
		DeviceID:    "dev-1",
		MessageType: "dataset_row",
		Direction:   DirectionSent,
		Protocol:    ProtocolMQTT,
		Status:      LogStatusSuccess,
		Metadata:    map[string]any{"row_index": 0},
	}

	if err := s.AppendTransmissionLogs(ctx, []TransmissionLog{logRecord}, "dev-1", DeviceUpdate{CurrentRowIndex: &idx, Status: &status}); err != nil {
		t.Fatalf("AppendTransmissionLogs: %v", err)
	}

	d, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.CurrentRowIndex != 3 {
		t.Fatalf("expected current_row_index=3, got %d", d.CurrentRowIndex)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transmission_logs WHERE device_id = 'dev-1'`).Scan(&count); err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 log row, got %d", count)
	}
}
