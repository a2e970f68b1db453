package telemetry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsSubscriberCountsActuationsAndDrops(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	m := observability.NewMetrics()
	sub := NewMetricsSubscriber(bus, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sub.Run(ctx); close(done) }()

	// Give Run a moment to subscribe before publishing.
	time.Sleep(10 * time.Millisecond)

	bus.ItemActuated(model.Item{Category: model.CategoryMetal, Confidence: 0.9})
	bus.ItemDropped(model.Item{Category: model.CategoryGlass, Reason: model.ReasonLate})

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if got := testutil.ToFloat64(m.ItemsActuatedTotal.WithLabelValues("metal")); got != 1 {
		t.Fatalf("expected 1 actuated metal item, got %v", got)
	}
	if got := testutil.ToFloat64(m.ItemsDroppedTotal.WithLabelValues("glass", "LATE")); got != 1 {
		t.Fatalf("expected 1 dropped glass item, got %v", got)
	}
}

func TestMetricsSubscriberRecordsBinFillAndFaults(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	m := observability.NewMetrics()
	sub := NewMetricsSubscriber(bus, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sub.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)

	bus.BinChanged(model.Bin{Category: model.CategoryPlastic, FillFraction: 0.82})
	bus.Alert(model.FaultBeltFailure, model.SeverityError, "belt stalled", "belt")

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if got := testutil.ToFloat64(m.BinFillFraction.WithLabelValues("plastic")); got != 0.82 {
		t.Fatalf("expected bin fill 0.82, got %v", got)
	}
	if got := testutil.ToFloat64(m.FaultsTotal.WithLabelValues("belt_failure")); got != 1 {
		t.Fatalf("expected 1 belt_failure fault, got %v", got)
	}
}
