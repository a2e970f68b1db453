package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
	"github.com/chele-s/ecosort-core/internal/model"
)

type fakeDiverter struct {
	mu        sync.Mutex
	activated int
	err       error
}

func (f *fakeDiverter) Activate(durationS float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated++
	return f.err
}

func (f *fakeDiverter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activated
}

type fakeBelt struct{ speed float64 }

func (f *fakeBelt) NominalSpeedMps() float64 { return f.speed }

type fakeBins struct {
	mu     sync.Mutex
	states map[model.Category]model.BinState
}

func (f *fakeBins) State(cat model.Category) model.BinState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[cat]; ok {
		return s
	}
	return model.BinOK
}

type recordingEvents struct {
	mu       sync.Mutex
	actuated []model.Item
	dropped  []model.Item
	failures []model.Item
}

func (r *recordingEvents) ItemActuated(item model.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actuated = append(r.actuated, item)
}
func (r *recordingEvents) ItemDropped(item model.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, item)
}
func (r *recordingEvents) ActuationFailure(item model.Item, handle string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, item)
}

func (r *recordingEvents) droppedReasons() []model.DropReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.DropReason
	for _, i := range r.dropped {
		out = append(out, i.Reason)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestScheduler(beltSpeed float64) (*Scheduler, *clock.VirtualClock, *fakeDiverter, *fakeBins, *recordingEvents) {
	clk := clock.NewVirtualClock()
	belt := &fakeBelt{speed: beltSpeed}
	bins := &fakeBins{states: make(map[model.Category]model.BinState)}
	events := &recordingEvents{}
	global := GlobalSettings{SimultaneousActivations: false, TimeoutBetweenActivations: 200 * time.Millisecond, FireGrace: 50 * time.Millisecond}
	s := NewScheduler(clk, belt, bins, global, events, zap.NewNop())
	return s, clk, nil, bins, events
}

func TestScheduleFiresAtComputedTime(t *testing.T) {
	s, clk, _, _, events := newTestScheduler(0.15)
	div := &fakeDiverter{}
	s.RegisterDiverter("metal_diverter", div)
	s.SetCategory(model.CategoryMetal, CategoryParams{DiverterHandle: "metal_diverter", DistanceM: 0.6, ActivationDurationS: 0.3})

	s.Schedule(model.Item{ID: 1, Category: model.CategoryMetal, TriggerTS: 0})
	if s.PendingCount() != 1 {
		t.Fatalf("expected 1 pending fire, got %d", s.PendingCount())
	}

	clk.Advance(4 * time.Second) // travel = 0.6/0.15 = 4s
	waitFor(t, func() bool { return div.count() == 1 })

	if len(events.actuated) != 1 {
		t.Fatalf("expected 1 actuated event, got %d", len(events.actuated))
	}
}

func TestScheduleDropsWhenBeltNotReady(t *testing.T) {
	s, _, _, _, events := newTestScheduler(0)
	s.SetCategory(model.CategoryMetal, CategoryParams{DiverterHandle: "metal_diverter", DistanceM: 0.6})

	s.Schedule(model.Item{ID: 1, Category: model.CategoryMetal, TriggerTS: 0})
	reasons := events.droppedReasons()
	if len(reasons) != 1 || reasons[0] != model.ReasonBeltNotReady {
		t.Fatalf("expected BELT_NOT_READY drop, got %v", reasons)
	}
}

func TestScheduleDropsLateItems(t *testing.T) {
	s, clk, _, _, events := newTestScheduler(0.15)
	s.SetCategory(model.CategoryMetal, CategoryParams{DiverterHandle: "metal_diverter", DistanceM: 0.6})

	clk.Advance(10 * time.Second) // now=10s, fire_ts would be 4s: already past
	s.Schedule(model.Item{ID: 1, Category: model.CategoryMetal, TriggerTS: 0})

	reasons := events.droppedReasons()
	if len(reasons) != 1 || reasons[0] != model.ReasonLate {
		t.Fatalf("expected LATE drop, got %v", reasons)
	}
}

func TestScheduleDropsWhenBinFull(t *testing.T) {
	s, _, _, bins, events := newTestScheduler(0.15)
	s.SetCategory(model.CategoryGlass, CategoryParams{DiverterHandle: "glass_diverter", DistanceM: 1.0})
	bins.states[model.CategoryGlass] = model.BinFull

	s.Schedule(model.Item{ID: 1, Category: model.CategoryGlass, TriggerTS: 0})
	reasons := events.droppedReasons()
	if len(reasons) != 1 || reasons[0] != model.ReasonBinFull {
		t.Fatalf("expected BIN_FULL drop, got %v", reasons)
	}
}

func TestCongestionSerializesSameDiverterAndDropsWhenTooLate(t *testing.T) {
	s, _, _, _, events := newTestScheduler(0.15)
	div := &fakeDiverter{}
	s.RegisterDiverter("metal_diverter", div)
	s.SetCategory(model.CategoryMetal, CategoryParams{DiverterHandle: "metal_diverter", DistanceM: 0.6})

	// Two items with identical trigger_ts compete for the same diverter.
	s.Schedule(model.Item{ID: 1, Category: model.CategoryMetal, TriggerTS: 0})
	s.Schedule(model.Item{ID: 2, Category: model.CategoryMetal, TriggerTS: 0})

	// Second item's fire_ts gets offset by timeout_between_activations_ms
	// (200ms), which is well within fire_grace (50ms)? No: 200ms > 50ms
	// grace, so it must be dropped CONGESTED.
	reasons := events.droppedReasons()
	if len(reasons) != 1 || reasons[0] != model.ReasonCongested {
		t.Fatalf("expected second item dropped CONGESTED, got %v", reasons)
	}
}

func TestCongestionSerializesAcrossDiverters(t *testing.T) {
	s, _, _, _, events := newTestScheduler(0.15)
	metal := &fakeDiverter{}
	plastic := &fakeDiverter{}
	s.RegisterDiverter("metal_diverter", metal)
	s.RegisterDiverter("plastic_diverter", plastic)
	s.SetCategory(model.CategoryMetal, CategoryParams{DiverterHandle: "metal_diverter", DistanceM: 0.6})
	s.SetCategory(model.CategoryPlastic, CategoryParams{DiverterHandle: "plastic_diverter", DistanceM: 0.6})

	// Two different diverters, fire windows 10ms apart: the global
	// simultaneous_activations=false policy still serializes them.
	s.Schedule(model.Item{ID: 1, Category: model.CategoryMetal, TriggerTS: 0})
	s.Schedule(model.Item{ID: 2, Category: model.CategoryPlastic, TriggerTS: 10 * time.Millisecond})

	// Offsetting the plastic item by timeout_between_activations_ms
	// (200ms) lands it outside fire_grace (50ms) of its own fire_ts, so
	// it must be dropped CONGESTED rather than silently fired alongside
	// the metal diverter.
	reasons := events.droppedReasons()
	if len(reasons) != 1 || reasons[0] != model.ReasonCongested {
		t.Fatalf("expected the plastic item dropped CONGESTED, got %v", reasons)
	}
}

func TestActuationFailureReported(t *testing.T) {
	s, clk, _, _, events := newTestScheduler(0.15)
	div := &fakeDiverter{err: errors.New("stuck")}
	s.RegisterDiverter("metal_diverter", div)
	s.SetCategory(model.CategoryMetal, CategoryParams{DiverterHandle: "metal_diverter", DistanceM: 0.6})

	s.Schedule(model.Item{ID: 1, Category: model.CategoryMetal, TriggerTS: 0})
	clk.Advance(4 * time.Second)

	waitFor(t, func() bool { return div.count() == 1 })
	waitFor(t, func() bool { return len(events.failures) == 1 })
}

func TestEmergencyStopCancelsAllPendingFires(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(0.15)
	div := &fakeDiverter{}
	s.RegisterDiverter("metal_diverter", div)
	s.SetCategory(model.CategoryMetal, CategoryParams{DiverterHandle: "metal_diverter", DistanceM: 0.6})

	s.Schedule(model.Item{ID: 1, Category: model.CategoryMetal, TriggerTS: 0})
	if s.PendingCount() != 1 {
		t.Fatal("expected pending fire before e-stop")
	}
	s.CancelAll()
	if s.PendingCount() != 0 {
		t.Fatal("expected no pending fires after e-stop")
	}
}
