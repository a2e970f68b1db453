// Package storage — bolt.go
//
// BoltDB-backed persistent storage for ecosort-core.
//
// Schema (BoltDB bucket layout):
//
//	/ledger
//	    key:   UTC RFC3339 timestamp with fixed 9-digit nanoseconds + "_" + item_id  [sortable]
//	    value: JSON-encoded LedgerEntry
//
//	/maintenance
//	    key:   RFC3339Nano timestamp + "_" + diverter_handle
//	    value: JSON-encoded MaintenanceRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned once, when the
//     orchestrator starts; there is no periodic pruning while it runs.
//   - Maintenance records are never automatically pruned (operator action
//     required).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The orchestrator logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The ledger subscriber
//     logs the error and continues without persisting this batch
//     (in-memory telemetry still flows to the other subscribers).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/telemetry"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	bucketLedger      = "ledger"
	bucketMaintenance = "maintenance"
	bucketMeta        = "meta"
)

// LedgerEntry is a single audit record, stored as JSON in the ledger
// bucket — either an item disposition (ItemID/Category/Outcome/...) or
// a fault raised onto telemetry.TopicAlert (FaultKind/...), never both.
type LedgerEntry struct {
	Timestamp      time.Time      `json:"timestamp"`
	ItemID         uint64         `json:"item_id"`
	Category       model.Category `json:"category"`
	Outcome        model.Outcome  `json:"outcome"`
	Reason         model.DropReason `json:"reason,omitempty"`
	DiverterHandle string         `json:"diverter_handle,omitempty"`
	Confidence     float64        `json:"confidence"`
	NodeID         string         `json:"node_id"`

	FaultKind      model.FaultKind     `json:"fault_kind,omitempty"`
	FaultSeverity  model.FaultSeverity `json:"fault_severity,omitempty"`
	FaultComponent string              `json:"fault_component,omitempty"`
	FaultMessage   string              `json:"fault_message,omitempty"`
}

// DB wraps a BoltDB instance with typed accessors for ecosort-core data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMaintenance, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, orchestrator requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Ledger operations ────────────────────────────────────────────────────

// ledgerKey constructs a sortable BoltDB key for a ledger entry.
// Lexicographic sort = chronological sort.
func ledgerKey(t time.Time, itemID uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), itemID))
}

// AppendLedgerBatch writes a batch of ledger records in a single ACID
// transaction — the bbolt-backed half of the telemetry bus's batched
// ledger writer subscriber. Satisfies telemetry.LedgerStore.
func (d *DB) AppendLedgerBatch(records []telemetry.LedgerRecord) error {
	if len(records) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		for _, rec := range records {
			entry := LedgerEntry{
				Timestamp: rec.Timestamp, ItemID: rec.ItemID, Category: rec.Category,
				Outcome: rec.Outcome, Reason: rec.Reason, DiverterHandle: rec.DiverterHandle,
				Confidence: rec.Confidence, NodeID: rec.NodeID,
				FaultKind: rec.FaultKind, FaultSeverity: rec.FaultSeverity,
				FaultComponent: rec.FaultComponent, FaultMessage: rec.FaultMessage,
			}
			if entry.Timestamp.IsZero() {
				entry.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("AppendLedgerBatch marshal: %w", err)
			}
			// Fault records carry no item_id; the monotonic timestamp alone
			// still keys them uniquely for any realistic alert rate.
			if err := b.Put(ledgerKey(entry.Timestamp, entry.ItemID), data); err != nil {
				return fmt.Errorf("AppendLedgerBatch bolt.Put: %w", err)
			}
		}
		return nil
	})
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order. For
// operational use (sortctl inspection); not called on the hot path.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// ─── Maintenance operations ────────────────────────────────────────────────

func maintenanceKey(t time.Time, handle string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), handle))
}

// PutMaintenanceRecord persists one EnterMaintenance/ExitMaintenance session.
func (d *DB) PutMaintenanceRecord(rec model.MaintenanceRecord) error {
	ts := rec.OpenedTS
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutMaintenanceRecord marshal: %w", err)
	}
	key := maintenanceKey(time.Unix(0, int64(ts)), rec.DiverterHandle)
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMaintenance))
		return b.Put(key, data)
	})
}

// ReadMaintenanceRecords returns every persisted maintenance session for
// a diverter handle.
func (d *DB) ReadMaintenanceRecords(handle string) ([]model.MaintenanceRecord, error) {
	var out []model.MaintenanceRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMaintenance))
		return b.ForEach(func(k, v []byte) error {
			var rec model.MaintenanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.DiverterHandle == handle {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}
