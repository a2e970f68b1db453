package telemetry

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingDropSink struct {
	drops []Topic
}

func (r *recordingDropSink) EventDropped(_ uint64, topic Topic) {
	r.drops = append(r.drops, topic)
}

func TestPublishRoutesByTopic(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	_, allCh := bus.Subscribe(4, DropNewest)
	_, alertCh := bus.Subscribe(4, DropNewest, TopicAlert)

	bus.Publish(Event{Topic: TopicBinChanged})
	bus.Publish(Event{Topic: TopicAlert})

	select {
	case evt := <-allCh:
		if evt.Topic != TopicBinChanged {
			t.Fatalf("expected bin.changed first, got %v", evt.Topic)
		}
	default:
		t.Fatal("expected event on all-topics subscriber")
	}

	select {
	case evt := <-alertCh:
		if evt.Topic != TopicAlert {
			t.Fatalf("expected alert, got %v", evt.Topic)
		}
	default:
		t.Fatal("expected event on alert-only subscriber")
	}

	select {
	case <-alertCh:
		t.Fatal("alert-only subscriber should not have received bin.changed")
	default:
	}
}

func TestDropNewestDiscardsIncomingEventWhenFull(t *testing.T) {
	sink := &recordingDropSink{}
	bus := NewBus(sink, zap.NewNop())
	id, ch := bus.Subscribe(1, DropNewest)
	_ = id

	bus.Publish(Event{Topic: TopicMetrics, Payload: 1})
	bus.Publish(Event{Topic: TopicMetrics, Payload: 2})

	evt := <-ch
	if evt.Payload.(int) != 1 {
		t.Fatalf("expected first event retained, got %v", evt.Payload)
	}
	if len(sink.drops) != 1 {
		t.Fatalf("expected 1 recorded drop, got %d", len(sink.drops))
	}
}

func TestDropOldestEvictsStaleEventWhenFull(t *testing.T) {
	sink := &recordingDropSink{}
	bus := NewBus(sink, zap.NewNop())
	_, ch := bus.Subscribe(1, DropOldest)

	bus.Publish(Event{Topic: TopicMetrics, Payload: 1})
	bus.Publish(Event{Topic: TopicMetrics, Payload: 2})

	evt := <-ch
	if evt.Payload.(int) != 2 {
		t.Fatalf("expected newest event retained, got %v", evt.Payload)
	}
	if len(sink.drops) != 1 {
		t.Fatalf("expected 1 recorded drop, got %d", len(sink.drops))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	id, ch := bus.Subscribe(1, DropNewest)
	bus.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
