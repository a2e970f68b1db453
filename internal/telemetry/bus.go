// Package telemetry is the sorter's pub/sub event bus. Publish never
// blocks the caller — it snapshots subscribers under a read lock, then
// fans out with each subscriber's own backpressure policy, the same
// "route first, snapshot subscribers, fan out without holding the lock"
// shape the pack's in-memory event bus examples use, scaled down to a
// single-process, no-tracing bus since this core has one consumer
// process, not a distributed mesh.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
)

// Topic names the six event streams §4.10 defines.
type Topic string

const (
	TopicItemActuated Topic = "item.actuated"
	TopicItemDropped  Topic = "item.dropped"
	TopicMetrics      Topic = "metrics"
	TopicStateChanged Topic = "state.changed"
	TopicAlert        Topic = "alert"
	TopicBinChanged   Topic = "bin.changed"
)

// Event is one published message. Payload's concrete type is determined
// by Topic (see the As* helpers in payloads.go).
type Event struct {
	Topic   Topic
	TS      time.Duration
	Payload any
}

// DropPolicy governs what happens when a subscriber's buffer is full.
type DropPolicy int

const (
	// DropNewest discards the incoming event, keeping the buffer as-is.
	DropNewest DropPolicy = iota
	// DropOldest discards the oldest buffered event to make room.
	DropOldest
)

type subscriber struct {
	id     uint64
	ch     chan Event
	topics map[Topic]bool // nil means "all topics"
	policy DropPolicy
}

// DropSink is notified whenever a subscriber drops an event, for metrics.
type DropSink interface {
	EventDropped(subscriberID uint64, topic Topic)
}

// Bus is the in-memory telemetry event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	drops  DropSink
	log    *zap.Logger
}

// NewBus constructs an empty Bus. drops may be nil.
func NewBus(drops DropSink, log *zap.Logger) *Bus {
	return &Bus{subs: make(map[uint64]*subscriber), drops: drops, log: log}
}

// Subscribe registers a new subscriber with the given buffer size and
// drop policy. An empty topics list subscribes to everything.
func (b *Bus) Subscribe(bufSize int, policy DropPolicy, topics ...Topic) (id uint64, ch <-chan Event) {
	if bufSize <= 0 {
		bufSize = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id = b.nextID

	var topicSet map[Topic]bool
	if len(topics) > 0 {
		topicSet = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			topicSet[t] = true
		}
	}

	sub := &subscriber{id: id, ch: make(chan Event, bufSize), topics: topicSet, policy: policy}
	b.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish fans evt out to every matching subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	matching := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topics == nil || sub.topics[evt.Topic] {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	switch sub.policy {
	case DropOldest:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- evt:
			return
		default:
			// Buffer refilled concurrently by another publisher; fall through to count the drop.
		}
	case DropNewest:
		// Nothing to do — evt is simply discarded.
	}

	if b.drops != nil {
		b.drops.EventDropped(sub.id, evt.Topic)
	}
	if b.log != nil {
		b.log.Debug("telemetry: subscriber buffer full, event dropped",
			zap.Uint64("subscriber_id", sub.id), zap.String("topic", string(evt.Topic)))
	}
}

// ─── Typed publish helpers (implement dispatch.Events / safety.AlertSink) ──

// ItemActuated publishes a successful actuation.
func (b *Bus) ItemActuated(item model.Item) {
	b.Publish(Event{Topic: TopicItemActuated, Payload: item})
}

// ItemDropped publishes a dropped item.
func (b *Bus) ItemDropped(item model.Item) {
	b.Publish(Event{Topic: TopicItemDropped, Payload: item})
}

// ActuationFailure publishes a diverter activation failure as an alert.
func (b *Bus) ActuationFailure(item model.Item, diverterHandle string, err error) {
	b.Publish(Event{Topic: TopicAlert, Payload: AlertPayload{
		Kind: model.FaultHardwareFailure, Severity: model.SeverityError,
		Message:   "actuation failed for " + diverterHandle + ": " + err.Error(),
		Component: diverterHandle,
	}})
}

// Alert publishes a fault/alert notification. component identifies the
// specific subsystem at fault (a diverter handle, "cpu", "belt", ...)
// and is threaded through to the recovery supervisor's per-component
// fault tracking.
func (b *Bus) Alert(kind model.FaultKind, severity model.FaultSeverity, message, component string) {
	b.Publish(Event{Topic: TopicAlert, Payload: AlertPayload{
		Kind: kind, Severity: severity, Message: message, Component: component,
	}})
}

// StateChanged publishes a system state transition.
func (b *Bus) StateChanged(from, to model.SystemState) {
	b.Publish(Event{Topic: TopicStateChanged, Payload: StateChangedPayload{From: from, To: to}})
}

// BinChanged publishes an updated bin record.
func (b *Bus) BinChanged(bin model.Bin) {
	b.Publish(Event{Topic: TopicBinChanged, Payload: bin})
}

// Metrics publishes a periodic metrics snapshot.
func (b *Bus) Metrics(snapshot model.MetricsSnapshot) {
	b.Publish(Event{Topic: TopicMetrics, Payload: snapshot})
}
