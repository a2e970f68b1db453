package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/telemetry"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ecosort.db")
	db, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAppendAndReadLedgerBatch(t *testing.T) {
	db := openTestDB(t)

	entries := []telemetry.LedgerRecord{
		{Timestamp: time.Now(), ItemID: 1, Category: model.CategoryMetal, Outcome: model.OutcomeDelivered},
		{Timestamp: time.Now(), ItemID: 2, Category: model.CategoryGlass, Outcome: model.OutcomeDropped, Reason: model.ReasonLate},
	}
	if err := db.AppendLedgerBatch(entries); err != nil {
		t.Fatalf("AppendLedgerBatch: %v", err)
	}

	got, err := db.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
}

func TestPruneOldLedgerEntries(t *testing.T) {
	db := openTestDB(t)

	old := telemetry.LedgerRecord{Timestamp: time.Now().AddDate(0, 0, -60), ItemID: 1, Category: model.CategoryMetal, Outcome: model.OutcomeDelivered}
	recent := telemetry.LedgerRecord{Timestamp: time.Now(), ItemID: 2, Category: model.CategoryMetal, Outcome: model.OutcomeDelivered}
	if err := db.AppendLedgerBatch([]telemetry.LedgerRecord{old, recent}); err != nil {
		t.Fatalf("AppendLedgerBatch: %v", err)
	}

	deleted, err := db.PruneOldLedgerEntries()
	if err != nil {
		t.Fatalf("PruneOldLedgerEntries: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
}

func TestMaintenanceRecordRoundTrip(t *testing.T) {
	db := openTestDB(t)
	rec := model.MaintenanceRecord{DiverterHandle: "metal_diverter", OpenedTS: time.Hour, Operator: "alice", Note: "belt squeak"}
	if err := db.PutMaintenanceRecord(rec); err != nil {
		t.Fatalf("PutMaintenanceRecord: %v", err)
	}

	got, err := db.ReadMaintenanceRecords("metal_diverter")
	if err != nil {
		t.Fatalf("ReadMaintenanceRecords: %v", err)
	}
	if len(got) != 1 || got[0].Operator != "alice" {
		t.Fatalf("unexpected maintenance records: %+v", got)
	}
}
