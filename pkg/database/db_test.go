package database

import (
	"os"
	"testing"
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/logger"
)

func TestNewDB(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	dbPath := "/tmp/test_fwaudio_core.db"
	defer func() { _ = os.Remove(dbPath) }()

	cfg := Config{Path: dbPath}
	db, err := NewDB(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if db.db == nil {
		t.Error("Expected non-nil database connection")
	}
}

func TestNewDB_DefaultPath(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	defer func() { _ = os.Remove("fwaudio-core.db") }()

	cfg := Config{}
	db, err := NewDB(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create database with default path: %v", err)
	}
	defer func() { _ = db.Close() }()

	if db.db == nil {
		t.Error("Expected non-nil database connection")
	}
}

func TestRecoveryEvent_BeforeCreate(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	dbPath := "/tmp/test_recovery_create.db"
	defer func() { _ = os.Remove(dbPath) }()

	cfg := Config{Path: dbPath}
	db, err := NewDB(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	e := &RecoveryEvent{
		SessionID:  "11111111-1111-1111-1111-111111111111",
		Sequence:   1,
		ReasonMask: 0x2,
		Fatal:      false,
	}

	repo := NewFlightRecorder(db.GetDB())
	if err := repo.RecordRecovery(e); err != nil {
		t.Fatalf("Failed to record recovery event: %v", err)
	}

	if e.ID == 0 {
		t.Error("Expected non-zero ID after creation")
	}
	if e.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set by hook")
	}
	if e.Occurred.IsZero() {
		t.Error("Expected Occurred to be set by hook")
	}
}

func TestFlightRecorder_RecentRecoveries(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	dbPath := "/tmp/test_recent_recoveries.db"
	defer os.Remove(dbPath)

	cfg := Config{Path: dbPath}
	db, err := NewDB(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	repo := NewFlightRecorder(db.GetDB())

	const sessionID = "22222222-2222-2222-2222-222222222222"
	now := time.Now()
	for i := 0; i < 5; i++ {
		e := &RecoveryEvent{
			SessionID:  sessionID,
			Sequence:   uint64(i),
			ReasonMask: uint32(1 << uint(i)),
			Occurred:   now.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.RecordRecovery(e); err != nil {
			t.Fatalf("Failed to record recovery %d: %v", i, err)
		}
	}

	events, err := repo.RecentRecoveries(sessionID, 3)
	if err != nil {
		t.Fatalf("Failed to get recent recoveries: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("Expected 3 events, got %d", len(events))
	}
	if len(events) >= 2 && events[0].Occurred.Before(events[1].Occurred) {
		t.Error("Expected events ordered by occurred DESC")
	}
}

func TestFlightRecorder_RecentUnderruns_FilterByKind(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	dbPath := "/tmp/test_recent_underruns.db"
	defer os.Remove(dbPath)

	cfg := Config{Path: dbPath}
	db, err := NewDB(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	repo := NewFlightRecorder(db.GetDB())

	const sessionID = "33333333-3333-3333-3333-333333333333"
	now := time.Now()
	kinds := []string{"tx_underrun", "rx_discontinuity", "tx_underrun"}
	for i, kind := range kinds {
		e := &UnderrunEvent{
			SessionID: sessionID,
			Kind:      kind,
			Count:     uint64(i + 1),
			Occurred:  now.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.RecordUnderrun(e); err != nil {
			t.Fatalf("Failed to record underrun %d: %v", i, err)
		}
	}

	txEvents, err := repo.RecentUnderruns(sessionID, "tx_underrun", 10)
	if err != nil {
		t.Fatalf("Failed to get tx_underrun events: %v", err)
	}
	if len(txEvents) != 2 {
		t.Errorf("Expected 2 tx_underrun events, got %d", len(txEvents))
	}

	allEvents, err := repo.RecentUnderruns(sessionID, "", 10)
	if err != nil {
		t.Fatalf("Failed to get all underrun events: %v", err)
	}
	if len(allEvents) != 3 {
		t.Errorf("Expected 3 events unfiltered, got %d", len(allEvents))
	}
}

func TestFlightRecorder_RecentClockEstablishedEvents(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	dbPath := "/tmp/test_recent_clock.db"
	defer os.Remove(dbPath)

	cfg := Config{Path: dbPath}
	db, err := NewDB(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	repo := NewFlightRecorder(db.GetDB())

	const sessionID = "44444444-4444-4444-4444-444444444444"
	now := time.Now()
	if err := repo.RecordClockEstablished(&ClockEstablishedEvent{SessionID: sessionID, Established: true, Occurred: now}); err != nil {
		t.Fatalf("Failed to record clock established: %v", err)
	}
	if err := repo.RecordClockEstablished(&ClockEstablishedEvent{SessionID: sessionID, Established: false, Occurred: now.Add(time.Second)}); err != nil {
		t.Fatalf("Failed to record clock cleared: %v", err)
	}

	events, err := repo.RecentClockEstablishedEvents(sessionID, 10)
	if err != nil {
		t.Fatalf("Failed to get clock established events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}
	if events[0].Established {
		t.Error("Expected most recent event (cleared) first")
	}
}

func TestFlightRecorder_DeleteOlderThan(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	dbPath := "/tmp/test_delete_old.db"
	defer os.Remove(dbPath)

	cfg := Config{Path: dbPath}
	db, err := NewDB(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	repo := NewFlightRecorder(db.GetDB())

	const sessionID = "55555555-5555-5555-5555-555555555555"
	now := time.Now()

	if err := repo.RecordRecovery(&RecoveryEvent{SessionID: sessionID, Sequence: 1, Occurred: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("Failed to record old recovery: %v", err)
	}
	if err := repo.RecordRecovery(&RecoveryEvent{SessionID: sessionID, Sequence: 2, Occurred: now.Add(-1 * time.Hour)}); err != nil {
		t.Fatalf("Failed to record recent recovery: %v", err)
	}
	if err := repo.RecordUnderrun(&UnderrunEvent{SessionID: sessionID, Kind: "tx_underrun", Count: 1, Occurred: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("Failed to record old underrun: %v", err)
	}

	deleted, err := repo.DeleteOlderThan(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Failed to delete old events: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deletions, got %d", deleted)
	}

	remaining, err := repo.RecentRecoveries(sessionID, 10)
	if err != nil {
		t.Fatalf("Failed to get remaining recoveries: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("Expected 1 remaining recovery event, got %d", len(remaining))
	}
}
