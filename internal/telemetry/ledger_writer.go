package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
)

// LedgerStore is the storage-side capability the ledger writer needs.
type LedgerStore interface {
	AppendLedgerBatch(entries []LedgerRecord) error
}

// LedgerRecord mirrors storage.LedgerEntry without importing the
// storage package's bbolt dependency into telemetry. A record carries
// either an item disposition (ItemID/Category/Outcome/...) or a fault
// (FaultKind/FaultSeverity/FaultMessage), never both.
type LedgerRecord struct {
	Timestamp      time.Time
	ItemID         uint64
	Category       model.Category
	Outcome        model.Outcome
	Reason         model.DropReason
	DiverterHandle string
	Confidence     float64
	NodeID         string

	FaultKind      model.FaultKind
	FaultSeverity  model.FaultSeverity
	FaultComponent string
	FaultMessage   string
}

// LedgerWriter subscribes to item.actuated, item.dropped and alert and
// batches them into the bbolt ledger — grouping writes into small batches
// bounded by size or a flush interval, the same trade-off the pack's
// microbatch utility makes for reducing round trips, applied here
// directly against a single Job type instead of through generics.
type LedgerWriter struct {
	bus       *Bus
	store     LedgerStore
	nodeID    string
	maxSize   int
	flushEvery time.Duration
	log       *zap.Logger
}

// NewLedgerWriter constructs a LedgerWriter. Call Run in its own goroutine.
func NewLedgerWriter(bus *Bus, store LedgerStore, nodeID string, maxSize int, flushEvery time.Duration, log *zap.Logger) *LedgerWriter {
	if maxSize <= 0 {
		maxSize = 32
	}
	if flushEvery <= 0 {
		flushEvery = 500 * time.Millisecond
	}
	return &LedgerWriter{bus: bus, store: store, nodeID: nodeID, maxSize: maxSize, flushEvery: flushEvery, log: log}
}

// Run subscribes and drains until ctx is cancelled, flushing whatever is
// buffered before returning.
func (w *LedgerWriter) Run(ctx context.Context) {
	id, ch := w.bus.Subscribe(256, DropOldest, TopicItemActuated, TopicItemDropped, TopicAlert)
	defer w.bus.Unsubscribe(id)

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	var buf []LedgerRecord
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := w.store.AppendLedgerBatch(buf); err != nil {
			w.log.Error("telemetry: ledger batch write failed", zap.Error(err), zap.Int("count", len(buf)))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case evt, ok := <-ch:
			if !ok {
				flush()
				return
			}
			buf = append(buf, w.toRecord(evt))
			if len(buf) >= w.maxSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *LedgerWriter) toRecord(evt Event) LedgerRecord {
	if alert, ok := evt.Payload.(AlertPayload); ok {
		return LedgerRecord{
			Timestamp: time.Now().UTC(), NodeID: w.nodeID,
			FaultKind: alert.Kind, FaultSeverity: alert.Severity,
			FaultComponent: alert.Component, FaultMessage: alert.Message,
		}
	}
	item, _ := evt.Payload.(model.Item)
	return LedgerRecord{
		Timestamp: time.Now().UTC(), ItemID: item.ID, Category: item.Category,
		Outcome: item.Outcome, Reason: item.Reason, Confidence: item.Confidence, NodeID: w.nodeID,
	}
}
