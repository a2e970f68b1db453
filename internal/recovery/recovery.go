// Package recovery is the sole authority that retries after a fault.
// Local components only report faults (§7 propagation policy); this
// package decides the strategy, enforces the global retry budget, and
// is the only thing allowed to request a state-machine transition back
// out of error/recovering.
package recovery

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
	"github.com/chele-s/ecosort-core/internal/model"
)

// Strategy is the recovery action the supervisor chooses for a fault kind.
type Strategy string

const (
	StrategyRetry            Strategy = "retry"
	StrategyRestartComponent Strategy = "restart_component"
	StrategyFailover         Strategy = "failover"
	StrategyPauseCategory    Strategy = "pause_category"
	StrategyDisableDiverter  Strategy = "disable_diverter"
	StrategyNoRecovery       Strategy = "no_recovery"
	StrategyEscalate         Strategy = "escalate"
)

// strategyTable is the static §7 default-strategy mapping.
var strategyTable = map[model.FaultKind]Strategy{
	model.FaultCameraFailure:   StrategyFailover,
	model.FaultAIModelFailure:  StrategyFailover,
	model.FaultHardwareFailure: StrategyRetry,
	model.FaultSensorFailure:   StrategyRetry,
	model.FaultBeltFailure:     StrategyEscalate,
	model.FaultBinFull:         StrategyPauseCategory,
	model.FaultMemoryLeak:      StrategyRestartComponent,
	model.FaultHighTemperature: StrategyPauseCategory,
	model.FaultEStop:           StrategyNoRecovery,
	model.FaultConfigInvalid:   StrategyNoRecovery,
}

// Executor performs the concrete action a Strategy decides on. The
// orchestrator supplies the implementation; recovery never touches
// hardware or the fsm directly beyond RequestTransition.
type Executor interface {
	Retry(component string) error
	RestartComponent(component string) error
	Failover(component string) error
	PauseCategory(component string) error
	DisableDiverter(handle string) error
	Escalate(reason string) error
	ReturnToPreFaultState() error
}

type faultRecord struct {
	consecutive   int
	lastRecovery  time.Duration
	preFaultState model.SystemState
}

// Supervisor is the single consumer of Fault publications.
type Supervisor struct {
	mu                     sync.Mutex
	records                map[string]*faultRecord // key: kind+component
	budget                 *Budget
	maxConsecutiveFailures int
	cooldown               time.Duration
	exec                   Executor
	clk                    clock.Clock
	log                    *zap.Logger
}

// NewSupervisor constructs a Supervisor. cooldown is
// failure_recovery_delay_s; the budget's refill period should be
// 2×cooldown per §4.9 ("at most max_consecutive_failures times within
// failure_recovery_delay_s × 2").
func NewSupervisor(budget *Budget, maxConsecutiveFailures int, cooldown time.Duration, exec Executor, clk clock.Clock, log *zap.Logger) *Supervisor {
	return &Supervisor{
		records: make(map[string]*faultRecord), budget: budget,
		maxConsecutiveFailures: maxConsecutiveFailures, cooldown: cooldown,
		exec: exec, clk: clk, log: log,
	}
}

func recordKey(kind model.FaultKind, component string) string {
	return string(kind) + "/" + component
}

// HandleFault decides and executes the recovery strategy for fault,
// returning the strategy applied.
func (s *Supervisor) HandleFault(fault model.Fault, currentState model.SystemState) Strategy {
	key := recordKey(fault.Kind, fault.Component)

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &faultRecord{preFaultState: currentState}
		s.records[key] = rec
	}
	now := s.clk.Now()
	if rec.consecutive > 0 && now-rec.lastRecovery < s.cooldown {
		s.mu.Unlock()
		s.log.Debug("recovery: fault within cooldown, deferring", zap.String("kind", string(fault.Kind)), zap.String("component", fault.Component))
		return StrategyNoRecovery
	}
	rec.consecutive++
	consecutive := rec.consecutive
	s.mu.Unlock()

	strategy := strategyTable[fault.Kind]
	if strategy == "" {
		strategy = StrategyEscalate
	}

	if consecutive > s.maxConsecutiveFailures {
		strategy = StrategyEscalate
	} else if strategy != StrategyNoRecovery && strategy != StrategyEscalate {
		if !s.budget.Consume(1) {
			s.log.Warn("recovery: global retry budget exhausted, escalating", zap.String("kind", string(fault.Kind)))
			strategy = StrategyEscalate
		}
	}

	err := s.execute(strategy, fault)
	s.mu.Lock()
	rec.lastRecovery = now
	s.mu.Unlock()

	if err != nil {
		s.log.Error("recovery: strategy execution failed", zap.String("strategy", string(strategy)), zap.Error(err))
	}
	return strategy
}

func (s *Supervisor) execute(strategy Strategy, fault model.Fault) error {
	switch strategy {
	case StrategyRetry:
		return s.exec.Retry(fault.Component)
	case StrategyRestartComponent:
		return s.exec.RestartComponent(fault.Component)
	case StrategyFailover:
		return s.exec.Failover(fault.Component)
	case StrategyPauseCategory:
		return s.exec.PauseCategory(fault.Component)
	case StrategyDisableDiverter:
		return s.exec.DisableDiverter(fault.Component)
	case StrategyNoRecovery:
		return nil
	case StrategyEscalate:
		return s.exec.Escalate(fmt.Sprintf("fault %s/%s exceeded recovery budget", fault.Kind, fault.Component))
	default:
		return fmt.Errorf("recovery: unknown strategy %q", strategy)
	}
}

// OnRecoverySuccess is called once a recovering-state strategy completes
// and the component reports healthy again. It resets the consecutive
// failure count and calls the executor's ReturnToPreFaultState.
func (s *Supervisor) OnRecoverySuccess(kind model.FaultKind, component string) error {
	key := recordKey(kind, component)
	s.mu.Lock()
	if rec, ok := s.records[key]; ok {
		rec.consecutive = 0
	}
	s.mu.Unlock()
	return s.exec.ReturnToPreFaultState()
}
