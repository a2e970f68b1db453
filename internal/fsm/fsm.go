// Package fsm implements the sorter's nine-state system state machine.
// Generalized from a single-mutex, single-writer discipline: an
// adjacency table declares the legal graph once, every transition is
// checked against it centrally, and guard functions gate the
// transitions the graph alone cannot validate (component health,
// E-stop assertion, maintenance auto-timeout).
package fsm

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
	"github.com/chele-s/ecosort-core/internal/model"
)

// adjacency is the forward declaration of every legal transition.
// Checked centrally before any guard runs.
var adjacency = map[model.SystemState][]model.SystemState{
	model.StateInitializing: {model.StateIdle, model.StateError},
	model.StateIdle:         {model.StateRunning, model.StateMaintenance, model.StateShuttingDown, model.StateError},
	model.StateRunning:      {model.StatePaused, model.StateIdle, model.StateMaintenance, model.StateError, model.StateRecovering, model.StateShuttingDown},
	model.StatePaused:       {model.StateRunning, model.StateIdle, model.StateMaintenance, model.StateError, model.StateShuttingDown},
	model.StateMaintenance:  {model.StateIdle, model.StateShuttingDown},
	model.StateError:        {model.StateRecovering, model.StateShuttingDown},
	model.StateRecovering:   {model.StateIdle, model.StateRunning, model.StateError, model.StateShuttingDown},
	model.StateShuttingDown: {model.StateShutdown},
	model.StateShutdown:     {},
}

// IsTerminal reports whether state has no legal outbound transitions.
func IsTerminal(s model.SystemState) bool {
	return len(adjacency[s]) == 0
}

// Guard is consulted before committing a transition into `to`. Returning
// a non-nil error vetoes the transition.
type Guard func() error

// Machine is the single writer of the live system state. Every other
// component reads State() or subscribes to OnChange; nothing but
// RequestTransition/ForceTransition ever mutates current.
type Machine struct {
	mu        sync.Mutex
	current   model.SystemState
	enteredAt time.Duration
	guards    map[model.SystemState]Guard
	onChange  func(from, to model.SystemState)
	clk       clock.Clock
	log       *zap.Logger

	maintenanceTimeout time.Duration
	maintenanceGen     uint64
}

// NewMachine constructs a Machine starting in initializing.
func NewMachine(clk clock.Clock, log *zap.Logger, maintenanceTimeout time.Duration, onChange func(from, to model.SystemState)) *Machine {
	return &Machine{
		current: model.StateInitializing, enteredAt: clk.Now(),
		guards: make(map[model.SystemState]Guard), onChange: onChange,
		clk: clk, log: log, maintenanceTimeout: maintenanceTimeout,
	}
}

// SetGuard registers the guard consulted before entering `to`. A state
// with no registered guard always admits the transition (subject only
// to the adjacency table).
func (m *Machine) SetGuard(to model.SystemState, g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[to] = g
}

// State returns the current state.
func (m *Machine) State() model.SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TimeInState reports how long the machine has held its current state.
func (m *Machine) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clk.Now() - m.enteredAt
}

// RequestTransition attempts a graph-checked, guarded transition. It is
// the path every normal operator/orchestrator action uses.
func (m *Machine) RequestTransition(to model.SystemState) error {
	return m.transition(to, false)
}

// ForceTransition bypasses guards but still enforces the adjacency
// table — used by the safety supervisor's E-stop path, which must never
// be vetoed by a component-health guard but must still land on a legal
// state (error).
func (m *Machine) ForceTransition(to model.SystemState) error {
	return m.transition(to, true)
}

func (m *Machine) transition(to model.SystemState, force bool) error {
	m.mu.Lock()
	from := m.current
	if IsTerminal(from) {
		m.mu.Unlock()
		return fmt.Errorf("fsm: %s is terminal, no further transitions", from)
	}
	legal := false
	for _, s := range adjacency[from] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		m.mu.Unlock()
		return fmt.Errorf("fsm: illegal transition %s -> %s", from, to)
	}
	guard := m.guards[to]
	m.mu.Unlock()

	if !force && guard != nil {
		if err := guard(); err != nil {
			return fmt.Errorf("fsm: guard for %s rejected transition from %s: %w", to, from, err)
		}
	}

	m.mu.Lock()
	if m.current != from {
		// Raced with a concurrent transition; caller should retry.
		m.mu.Unlock()
		return fmt.Errorf("fsm: state changed from %s to %s during guard evaluation, retry", from, m.current)
	}
	m.current = to
	m.enteredAt = m.clk.Now()
	if to == model.StateMaintenance {
		m.maintenanceGen++
		gen := m.maintenanceGen
		go m.armMaintenanceTimeout(gen)
	}
	m.mu.Unlock()

	m.log.Info("fsm: state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// armMaintenanceTimeout returns the machine to idle after
// maintenanceTimeout unless superseded by another maintenance entry or
// a transition out of maintenance in the meantime.
func (m *Machine) armMaintenanceTimeout(gen uint64) {
	if m.maintenanceTimeout <= 0 {
		return
	}
	<-m.clk.After(m.maintenanceTimeout)

	m.mu.Lock()
	stale := m.maintenanceGen != gen || m.current != model.StateMaintenance
	m.mu.Unlock()
	if stale {
		return
	}
	if err := m.RequestTransition(model.StateIdle); err != nil {
		m.log.Warn("fsm: maintenance auto-timeout transition failed", zap.Error(err))
	}
}
