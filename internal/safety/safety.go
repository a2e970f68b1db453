// Package safety implements the highest-priority control loops: the
// E-stop loop and the operational-limits watchdog (§4.8). Both loops
// call the state machine's transition methods through the narrow
// Transitioner interface declared here, avoiding a cyclic import between
// safety and fsm.
package safety

import (
	"context"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/sensor"
)

// Transitioner is the narrow slice of fsm.Machine the supervisor needs.
// RequestTransition carries the guarded warn-tier response (paused);
// ForceTransition carries the e-stop and critical-tier response (error),
// which must never be vetoed by a component-health guard.
type Transitioner interface {
	RequestTransition(to model.SystemState) error
	ForceTransition(to model.SystemState) error
}

// Limits mirrors config.OperationalLimits and config.PerformanceAlerts
// plus the hysteresis policy used to clear a breach. Operational limits
// (runtime, throughput) are single hard ceilings that pause the line;
// performance alerts carry their own warn/critical pair and can escalate
// all the way to error.
type Limits struct {
	MaxContinuousRuntime time.Duration
	MaxObjectsPerHour    float64

	CPUPctWarn     float64
	CPUPctCritical float64
	MemPctWarn     float64
	MemPctCritical float64
	TempCWarn      float64
	TempCCritical  float64

	HysteresisSamples   int
	HysteresisMarginPct float64
}

// AlertSink receives threshold-crossing notifications for telemetry.
type AlertSink interface {
	Alert(kind model.FaultKind, severity model.FaultSeverity, message, component string)
}

// limitTier is the two-tier watchdog severity: ok, warn (paused) or
// critical (error).
type limitTier int

const (
	tierOK limitTier = iota
	tierWarn
	tierCritical
)

func severityForTier(t limitTier) model.FaultSeverity {
	if t == tierCritical {
		return model.SeverityCritical
	}
	return model.SeverityWarn
}

// tierTracker holds one signal's hysteresis state. Rising into a more
// severe tier and falling back to a less severe one both require
// hysteresisSamples consecutive qualifying samples; falling back
// additionally requires the sample to clear marginPct below the tier's
// own threshold, mirroring internal/binmonitor's fill-level clearing
// policy instead of resetting on a single in-range sample.
type tierTracker struct {
	tier  limitTier
	count int
}

func (t *tierTracker) sample(value, warn, critical, marginPct float64, hysteresisSamples int) limitTier {
	if hysteresisSamples < 1 {
		hysteresisSamples = 1
	}
	raw := tierOK
	switch {
	case value >= critical:
		raw = tierCritical
	case value >= warn:
		raw = tierWarn
	}

	switch {
	case raw == t.tier:
		t.count = 0
	case raw > t.tier:
		t.count++
		if t.count >= hysteresisSamples {
			t.tier = raw
			t.count = 0
		}
	default: // raw < t.tier: only clear once comfortably below the margin
		belowMargin := value < warn-marginPct
		if t.tier == tierCritical {
			belowMargin = value < critical-marginPct
		}
		if belowMargin {
			t.count++
			if t.count >= hysteresisSamples {
				t.tier--
				t.count = 0
			}
		} else {
			t.count = 0
		}
	}
	return t.tier
}

// Supervisor runs the E-stop loop and the limits watchdog. Both are
// independent goroutines started by Run and stopped by ctx cancellation.
type Supervisor struct {
	estopEdges <-chan sensor.Edge
	limits     Limits
	fsm        Transitioner
	alerts     AlertSink
	clk        clock.Clock
	log        *zap.Logger

	startedAt time.Duration

	cpuTier        tierTracker
	memTier        tierTracker
	tempTier       tierTracker
	runtimeTier    tierTracker
	throughputTier tierTracker

	itemsProcessed       func() uint64
	throughputBaseline   uint64
	throughputBaselineTS time.Duration
	throughputReady      bool

	cpuPercent func() (float64, error)
	memPercent func() (float64, error)
	tempC      func() (float64, error)
}

// NewSupervisor constructs a Supervisor. estopEdges is the debounced
// edge stream for the emergency-stop sensor pin (any edge asserts).
// itemsProcessed samples the running actuated-item counter for the
// max_objects_per_hour throughput ceiling; it may be nil to disable
// throughput sampling (e.g. in tests that don't exercise it).
func NewSupervisor(estopEdges <-chan sensor.Edge, limits Limits, fsmx Transitioner, alerts AlertSink, itemsProcessed func() uint64, clk clock.Clock, log *zap.Logger) *Supervisor {
	return &Supervisor{
		estopEdges: estopEdges, limits: limits, fsm: fsmx, alerts: alerts, clk: clk, log: log,
		startedAt:      clk.Now(),
		itemsProcessed: itemsProcessed,
		cpuPercent:     sampleCPUPercent,
		memPercent:     sampleMemPercent,
		tempC:          sampleTempC,
	}
}

// Run starts both loops and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, watchdogInterval time.Duration) {
	go s.runEStopLoop(ctx)
	s.runLimitsWatchdog(ctx, watchdogInterval)
}

func (s *Supervisor) runEStopLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.estopEdges:
			if !ok {
				return
			}
			s.log.Warn("safety: emergency stop asserted")
			s.alerts.Alert(model.FaultEStop, model.SeverityCritical, "emergency stop pin asserted", "estop")
			if err := s.fsm.ForceTransition(model.StateError); err != nil {
				s.log.Error("safety: failed to force error state on e-stop", zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) runLimitsWatchdog(ctx context.Context, interval time.Duration) {
	ticker := s.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.checkLimits()
		}
	}
}

// checkLimits samples every watched signal and drives the two-tier
// watchdog: a warn-tier breach requests a pause (vetoable, e.g. already
// paused), a critical-tier breach forces error. Every signal that
// crosses its own threshold is alerted individually; the overall
// transition follows whichever signal is currently worst.
func (s *Supervisor) checkLimits() {
	worst := tierOK

	consider := func(t limitTier, kind model.FaultKind, component, detail string) {
		if t == tierOK {
			return
		}
		s.alerts.Alert(kind, severityForTier(t), detail, component)
		if t > worst {
			worst = t
		}
	}

	if cpuPct, err := s.cpuPercent(); err == nil {
		t := s.cpuTier.sample(cpuPct, s.limits.CPUPctWarn, s.limits.CPUPctCritical, s.limits.HysteresisMarginPct, s.limits.HysteresisSamples)
		consider(t, model.FaultHardwareFailure, "cpu", "cpu usage crossed its alert threshold")
	}
	if memPct, err := s.memPercent(); err == nil {
		t := s.memTier.sample(memPct, s.limits.MemPctWarn, s.limits.MemPctCritical, s.limits.HysteresisMarginPct, s.limits.HysteresisSamples)
		consider(t, model.FaultMemoryLeak, "memory", "memory usage crossed its alert threshold")
	}
	if tempC, err := s.tempC(); err == nil {
		t := s.tempTier.sample(tempC, s.limits.TempCWarn, s.limits.TempCCritical, s.limits.HysteresisMarginPct, s.limits.HysteresisSamples)
		consider(t, model.FaultHighTemperature, "thermal", "temperature crossed its alert threshold")
	}
	if s.limits.MaxContinuousRuntime > 0 {
		runtimeHours := (s.clk.Now() - s.startedAt).Hours()
		t := s.runtimeTier.sample(runtimeHours, s.limits.MaxContinuousRuntime.Hours(), math.Inf(1), s.limits.HysteresisMarginPct, s.limits.HysteresisSamples)
		consider(t, model.FaultHardwareFailure, "runtime", "continuous runtime exceeds max_continuous_runtime_hours")
	}
	if s.limits.MaxObjectsPerHour > 0 && s.itemsProcessed != nil {
		if rate, ok := s.sampleThroughputPerHour(); ok {
			t := s.throughputTier.sample(rate, s.limits.MaxObjectsPerHour, math.Inf(1), s.limits.HysteresisMarginPct, s.limits.HysteresisSamples)
			consider(t, model.FaultHardwareFailure, "throughput", "item throughput exceeds max_objects_per_hour")
		}
	}

	switch worst {
	case tierCritical:
		if err := s.fsm.ForceTransition(model.StateError); err != nil {
			s.log.Error("safety: failed to force error state on critical limit breach", zap.Error(err))
		}
	case tierWarn:
		if err := s.fsm.RequestTransition(model.StatePaused); err != nil {
			s.log.Debug("safety: pause request on warn-tier limit breach was rejected", zap.Error(err))
		}
	}
}

// sampleThroughputPerHour extrapolates the hourly item rate from the
// delta since the previous watchdog tick. The first call only seeds the
// baseline, since no interval has elapsed yet to compute a rate from.
func (s *Supervisor) sampleThroughputPerHour() (float64, bool) {
	now := s.clk.Now()
	count := s.itemsProcessed()
	if !s.throughputReady {
		s.throughputBaseline, s.throughputBaselineTS, s.throughputReady = count, now, true
		return 0, false
	}
	dt := now - s.throughputBaselineTS
	if dt <= 0 || count < s.throughputBaseline {
		s.throughputBaseline, s.throughputBaselineTS = count, now
		return 0, false
	}
	rate := float64(count-s.throughputBaseline) / dt.Hours()
	s.throughputBaseline, s.throughputBaselineTS = count, now
	return rate, true
}

func sampleCPUPercent() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

func sampleMemPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

func sampleTempC() (float64, error) {
	temps, err := host.SensorsTemperatures()
	if err != nil || len(temps) == 0 {
		return 0, err
	}
	var max float64
	for _, t := range temps {
		if t.Temperature > max {
			max = t.Temperature
		}
	}
	return max, nil
}
