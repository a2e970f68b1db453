package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
)

type fakeLedgerStore struct {
	mu      sync.Mutex
	batches [][]LedgerRecord
}

func (f *fakeLedgerStore) AppendLedgerBatch(entries []LedgerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]LedgerRecord, len(entries))
	copy(cp, entries)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeLedgerStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestLedgerWriterFlushesOnSizeThreshold(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	store := &fakeLedgerStore{}
	w := NewLedgerWriter(bus, store, "node-1", 3, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		bus.ItemActuated(model.Item{ID: uint64(i), Category: model.CategoryMetal})
	}

	deadline := time.After(time.Second)
	for store.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 flushed records, got %d", store.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestLedgerWriterPersistsAlertsForAudit(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	store := &fakeLedgerStore{}
	w := NewLedgerWriter(bus, store, "node-1", 1, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)

	bus.Alert(model.FaultBinFull, model.SeverityError, "bin at capacity", "bin.metal")

	deadline := time.After(time.Second)
	for store.count() < 1 {
		select {
		case <-deadline:
			t.Fatalf("expected the alert to be flushed into the ledger, got %d records", store.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	rec := store.batches[0][0]
	if rec.FaultKind != model.FaultBinFull || rec.FaultSeverity != model.SeverityError || rec.FaultComponent != "bin.metal" {
		t.Fatalf("unexpected ledger record for alert: %+v", rec)
	}
}

func TestLedgerWriterFlushesOnContextCancel(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	store := &fakeLedgerStore{}
	w := NewLedgerWriter(bus, store, "node-1", 100, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)

	bus.ItemDropped(model.Item{ID: 1, Category: model.CategoryGlass, Reason: model.ReasonLate})
	time.Sleep(10 * time.Millisecond)

	cancel()
	<-done

	if store.count() != 1 {
		t.Fatalf("expected final flush on cancel to persist 1 record, got %d", store.count())
	}
}
