// Package dispatch implements the dispatch scheduler — the heart of the
// sorter core. Given a classified item's trigger time and category, it
// computes when the item will reach its diverter, reserves a congestion-
// free activation slot, and fires the diverter at the right moment
// without ever blocking its own loop on hardware I/O.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
	"github.com/chele-s/ecosort-core/internal/model"
)

// Diverter is the narrow capability the scheduler actuates at fire_ts.
// internal/actuator's OnOff and Stepper both satisfy this.
type Diverter interface {
	Activate(durationS float64) error
}

// BeltInfo exposes the one belt fact the scheduler needs. Reusing
// Controller.NominalSpeedMps, which already returns 0 outside the
// running state, means "belt not ready" and "belt stopped" collapse
// into a single check here.
type BeltInfo interface {
	NominalSpeedMps() float64
}

// BinInfo reports the live fill classification for a category's bin.
type BinInfo interface {
	State(category model.Category) model.BinState
}

// Events is the telemetry/recovery sink the scheduler reports outcomes to.
type Events interface {
	ItemActuated(item model.Item)
	ItemDropped(item model.Item)
	ActuationFailure(item model.Item, diverterHandle string, err error)
}

// CategoryParams is the static per-category routing configuration,
// sourced from the conveyor-belt and diverter-control config sections.
type CategoryParams struct {
	DiverterHandle      string
	DistanceM           float64
	ActivationDurationS float64
	ActivationLeadS     float64
}

// GlobalSettings mirrors the diverter congestion/serialization policy
// shared across every diverter.
type GlobalSettings struct {
	SimultaneousActivations    bool
	TimeoutBetweenActivations time.Duration
	FireGrace                 time.Duration
}

type pendingFire struct {
	itemID    uint64
	fireTS    time.Duration
	timer     clock.Timer
	cancelled bool
}

// Scheduler is the dispatch core. Items are expected to arrive in
// ascending trigger_ts order (the camera trigger sensor is FIFO), which
// combined with fire_ts being monotonic in trigger_ts for a fixed
// category and belt speed, satisfies the fire_ts/trigger_ts/item-id
// tie-break rule without an explicit priority queue: ties are resolved
// by scheduling order.
type Scheduler struct {
	mu         sync.Mutex
	clk        clock.Clock
	belt       BeltInfo
	bins       BinInfo
	diverters  map[string]Diverter
	categories map[model.Category]CategoryParams
	global     GlobalSettings
	events     Events
	log        *zap.Logger

	lastFireGlobal time.Duration
	haveLastFire   bool
	pending        map[uint64]*pendingFire
}

// NewScheduler constructs a Scheduler. categories and diverters may be
// populated incrementally afterward via RegisterDiverter/SetCategory, to
// support config hot-reload.
func NewScheduler(clk clock.Clock, belt BeltInfo, bins BinInfo, global GlobalSettings, events Events, log *zap.Logger) *Scheduler {
	return &Scheduler{
		clk: clk, belt: belt, bins: bins, global: global, events: events, log: log,
		diverters:  make(map[string]Diverter),
		categories: make(map[model.Category]CategoryParams),
		pending:    make(map[uint64]*pendingFire),
	}
}

// RegisterDiverter makes a diverter reachable by handle.
func (s *Scheduler) RegisterDiverter(handle string, d Diverter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diverters[handle] = d
}

// SetCategory (re)configures the routing parameters for one category.
func (s *Scheduler) SetCategory(cat model.Category, params CategoryParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[cat] = params
}

// SetGlobalSettings hot-swaps the congestion policy.
func (s *Scheduler) SetGlobalSettings(g GlobalSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = g
}

// PendingCount reports the number of fires still awaiting their timer,
// used by status reporting and tests.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Schedule runs the full dispatch algorithm for a freshly classified
// item: compute fire_ts, check lateness and bin state, reserve a
// congestion-free activation slot, and enqueue the timer callback. It
// never blocks on diverter I/O — the actual Activate call happens on a
// dedicated goroutine spawned once the timer fires.
func (s *Scheduler) Schedule(item model.Item) {
	params, ok := s.categoryFor(item.Category)
	if !ok {
		s.drop(item, model.ReasonClassifierError)
		return
	}

	beltSpeed := s.belt.NominalSpeedMps()
	if beltSpeed <= 0 {
		s.drop(item, model.ReasonBeltNotReady)
		return
	}

	travel := time.Duration(params.DistanceM / beltSpeed * float64(time.Second))
	lead := time.Duration(params.ActivationLeadS * float64(time.Second))
	fireTS := item.TriggerTS + travel - lead

	now := s.clk.Now()
	if fireTS < now {
		s.drop(item, model.ReasonLate)
		return
	}

	switch s.bins.State(item.Category) {
	case model.BinFull, model.BinCritical:
		s.drop(item, model.ReasonBinFull)
		return
	}

	latestAcceptable := fireTS + s.global.FireGrace

	s.mu.Lock()
	if !s.global.SimultaneousActivations {
		// simultaneous_activations=false serializes fires across every
		// diverter, not just this item's own — two diverters activating
		// within timeout_between_activations of each other still count
		// as congestion per the shared activation policy.
		if s.haveLastFire {
			if gap := fireTS - s.lastFireGlobal; gap < s.global.TimeoutBetweenActivations {
				fireTS = s.lastFireGlobal + s.global.TimeoutBetweenActivations
			}
		}
		if fireTS > latestAcceptable {
			s.mu.Unlock()
			s.drop(item, model.ReasonCongested)
			return
		}
	}
	s.lastFireGlobal = fireTS
	s.haveLastFire = true

	timer := s.clk.NewTimer(fireTS - now)
	pf := &pendingFire{itemID: item.ID, fireTS: fireTS, timer: timer}
	s.pending[item.ID] = pf
	s.mu.Unlock()

	go s.waitAndFire(pf, item, params)
}

func (s *Scheduler) waitAndFire(pf *pendingFire, item model.Item, params CategoryParams) {
	<-pf.timer.C()

	s.mu.Lock()
	if pf.cancelled {
		s.mu.Unlock()
		return
	}
	delete(s.pending, item.ID)
	diverter, ok := s.diverters[params.DiverterHandle]
	s.mu.Unlock()

	if !ok {
		s.events.ActuationFailure(item, params.DiverterHandle, fmt.Errorf("dispatch: no diverter registered for handle %q", params.DiverterHandle))
		return
	}

	if err := diverter.Activate(params.ActivationDurationS); err != nil {
		s.events.ActuationFailure(item, params.DiverterHandle, err)
		return
	}

	item.Actuated = true
	item.Outcome = model.OutcomeDelivered
	s.events.ItemActuated(item)
}

// CancelBeyondGrace cancels every pending fire whose fire_ts is further
// than grace in the future, used on transition to paused: fires already
// imminent (within grace) are left to complete.
func (s *Scheduler) CancelBeyondGrace(grace time.Duration) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pf := range s.pending {
		if pf.fireTS > now+grace {
			pf.cancelled = true
			pf.timer.Stop()
			delete(s.pending, id)
		}
	}
}

// CancelAll cancels every pending fire synchronously, used on emergency
// stop and on entering maintenance/shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pf := range s.pending {
		pf.cancelled = true
		pf.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Scheduler) categoryFor(cat model.Category) (CategoryParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.categories[cat]
	return p, ok
}

func (s *Scheduler) drop(item model.Item, reason model.DropReason) {
	item.Outcome = model.OutcomeDropped
	item.Reason = reason
	s.log.Debug("dispatch: item dropped", zap.Uint64("item_id", item.ID), zap.String("reason", string(reason)))
	s.events.ItemDropped(item)
}
