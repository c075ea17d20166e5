package device

import (
	"errors"
	"testing"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
)

func TestPutAndGet(t *testing.T) {
	m := NewMap()
	m.Put(RuntimeState{DeviceID: "dev-1", ConnectionID: "conn-1", DeviceType: metadatastore.DeviceTypeSensor})

	s, ok := m.Get("dev-1")
	if !ok {
		t.Fatal("expected dev-1 to be tracked")
	}
	if s.ConnectionID != "conn-1" {
		t.Fatalf("expected connection conn-1, got %q", s.ConnectionID)
	}
}

func TestMutateUpdatesOnlyExistingDevice(t *testing.T) {
	m := NewMap()
	if m.Mutate("ghost", func(s *RuntimeState) { s.BatchSize = 5 }) {
		t.Fatal("expected Mutate on untracked device to return false")
	}

	m.Put(RuntimeState{DeviceID: "dev-1", BatchSize: 1})
	if !m.Mutate("dev-1", func(s *RuntimeState) { s.BatchSize = 5 }) {
		t.Fatal("expected Mutate to succeed")
	}
	s, _ := m.Get("dev-1")
	if s.BatchSize != 5 {
		t.Fatalf("expected BatchSize=5, got %d", s.BatchSize)
	}
}

func TestTryBeginDispatchRejectsUntrackedPausedOrInFlight(t *testing.T) {
	m := NewMap()
	if _, ok := m.TryBeginDispatch("ghost", time.Now()); ok {
		t.Fatal("expected untracked device to be rejected")
	}

	m.Put(RuntimeState{DeviceID: "dev-1"})
	if _, ok := m.TryBeginDispatch("dev-1", time.Now()); !ok {
		t.Fatal("expected first claim to succeed")
	}
	if _, ok := m.TryBeginDispatch("dev-1", time.Now()); ok {
		t.Fatal("expected second claim to be rejected while in-flight")
	}

	m.EndDispatch("dev-1", 0, time.Time{}, nil)
	m.Pause("dev-1")
	if _, ok := m.TryBeginDispatch("dev-1", time.Now()); ok {
		t.Fatal("expected paused device to be rejected")
	}
}

func TestTryBeginDispatchHonorsNextEligibleAt(t *testing.T) {
	m := NewMap()
	m.Put(RuntimeState{DeviceID: "dev-1"})
	future := time.Now().Add(time.Hour)
	m.EndDispatch("dev-1", 0, future, nil)

	if _, ok := m.TryBeginDispatch("dev-1", time.Now()); ok {
		t.Fatal("expected claim before NextEligibleAt to be rejected")
	}
	if _, ok := m.TryBeginDispatch("dev-1", future.Add(time.Second)); !ok {
		t.Fatal("expected claim after NextEligibleAt to succeed")
	}
}

func TestEndDispatchPersistsRowIndexAndTracksConsecutiveErrors(t *testing.T) {
	m := NewMap()
	m.Put(RuntimeState{DeviceID: "dev-1", CurrentRowIndex: 0})

	m.TryBeginDispatch("dev-1", time.Now())
	m.EndDispatch("dev-1", 3, time.Time{}, errors.New("publish failed"))
	s, _ := m.Get("dev-1")
	if s.CurrentRowIndex != 3 {
		t.Fatalf("expected CurrentRowIndex=3, got %d", s.CurrentRowIndex)
	}
	if s.ConsecutiveErrorCount != 1 {
		t.Fatalf("expected ConsecutiveErrorCount=1, got %d", s.ConsecutiveErrorCount)
	}

	m.TryBeginDispatch("dev-1", time.Now())
	m.EndDispatch("dev-1", 4, time.Time{}, nil)
	s, _ = m.Get("dev-1")
	if s.ConsecutiveErrorCount != 0 {
		t.Fatalf("expected ConsecutiveErrorCount reset to 0, got %d", s.ConsecutiveErrorCount)
	}
}

func TestDropRemovesTrackedDevice(t *testing.T) {
	m := NewMap()
	m.Put(RuntimeState{DeviceID: "dev-1"})
	m.Drop("dev-1")
	if m.Has("dev-1") {
		t.Fatal("expected dev-1 to be untracked after Drop")
	}
}

func TestResumeClearsPauseAndBackoff(t *testing.T) {
	m := NewMap()
	m.Put(RuntimeState{DeviceID: "dev-1"})
	m.Pause("dev-1")
	m.EndDispatch("dev-1", 0, time.Now().Add(time.Hour), nil)

	m.Resume("dev-1")
	s, _ := m.Get("dev-1")
	if s.Paused {
		t.Fatal("expected Paused=false after Resume")
	}
	if !s.NextEligibleAt.IsZero() {
		t.Fatal("expected NextEligibleAt reset after Resume")
	}
}

func TestSnapshotDeviceIDsAndLen(t *testing.T) {
	m := NewMap()
	m.Put(RuntimeState{DeviceID: "dev-1"})
	m.Put(RuntimeState{DeviceID: "dev-2"})

	if m.Len() != 2 {
		t.Fatalf("expected Len=2, got %d", m.Len())
	}
	if len(m.Snapshot()) != 2 {
		t.Fatalf("expected 2 snapshot entries, got %d", len(m.Snapshot()))
	}
	ids := m.DeviceIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 device ids, got %d", len(ids))
	}
}
