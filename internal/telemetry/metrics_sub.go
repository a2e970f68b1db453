package telemetry

import (
	"context"

	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/observability"
)

// MetricsSubscriber drains the bus and mirrors every event into the
// Prometheus collectors, so /metrics reflects exactly what dashboards and
// the ledger see — one subscriber, no separate instrumentation call
// sites scattered through dispatch/fsm/recovery.
type MetricsSubscriber struct {
	bus *Bus
	m   *observability.Metrics
}

// NewMetricsSubscriber constructs a MetricsSubscriber. Call Run in its own goroutine.
func NewMetricsSubscriber(bus *Bus, m *observability.Metrics) *MetricsSubscriber {
	return &MetricsSubscriber{bus: bus, m: m}
}

// Run subscribes to every topic and updates metrics until ctx is cancelled.
func (s *MetricsSubscriber) Run(ctx context.Context) {
	id, ch := s.bus.Subscribe(512, DropOldest)
	defer s.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.observe(evt)
		}
	}
}

func (s *MetricsSubscriber) observe(evt Event) {
	switch evt.Topic {
	case TopicItemActuated:
		item, ok := evt.Payload.(model.Item)
		if !ok {
			return
		}
		s.m.ItemsActuatedTotal.WithLabelValues(string(item.Category)).Inc()
		s.m.ClassificationConfidence.Observe(item.Confidence)

	case TopicItemDropped:
		item, ok := evt.Payload.(model.Item)
		if !ok {
			return
		}
		s.m.ItemsDroppedTotal.WithLabelValues(string(item.Category), string(item.Reason)).Inc()

	case TopicAlert:
		a, ok := evt.Payload.(AlertPayload)
		if !ok {
			return
		}
		s.m.FaultsTotal.WithLabelValues(string(a.Kind)).Inc()

	case TopicStateChanged:
		sc, ok := evt.Payload.(StateChangedPayload)
		if !ok {
			return
		}
		s.m.StateTransitionsTotal.WithLabelValues(string(sc.From), string(sc.To)).Inc()

	case TopicBinChanged:
		bin, ok := evt.Payload.(model.Bin)
		if !ok {
			return
		}
		s.m.BinFillFraction.WithLabelValues(string(bin.Category)).Set(bin.FillFraction)

	case TopicMetrics:
		snap, ok := evt.Payload.(model.MetricsSnapshot)
		if !ok {
			return
		}
		s.m.CPUPercent.Set(snap.CPUPct)
		s.m.MemPercent.Set(snap.MemPct)
		s.m.TempCelsius.Set(snap.TempC)
	}
}
