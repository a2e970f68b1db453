package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/binmonitor"
	"github.com/chele-s/ecosort-core/internal/config"
	"github.com/chele-s/ecosort-core/internal/dispatch"
	"github.com/chele-s/ecosort-core/internal/model"
)

// GetStatus implements control.ControlPlane.
func (o *Orchestrator) GetStatus() model.SystemSnapshot {
	return model.SystemSnapshot{
		State:         o.machine.State(),
		Uptime:        o.clk.Now() - o.startedAt,
		ConfigVersion: o.cfgSnapshot().SchemaVersion,
		Components:    o.componentHealth(),
	}
}

// Start transitions idle -> running, admitting items onto the belt.
func (o *Orchestrator) Start() error {
	return o.machine.RequestTransition(model.StateRunning)
}

// Stop drains the line and retires the system permanently: shutting_down
// halts new activations and waits out the configured drain deadline,
// then shutdown closes storage and every background component. Stop is
// terminal — Start afterward requires a fresh Orchestrator. Operators
// wanting to halt the line without retiring the process should use Pause
// instead.
func (o *Orchestrator) Stop() error {
	if err := o.machine.RequestTransition(model.StateShuttingDown); err != nil {
		return fmt.Errorf("orchestrator: stop: %w", err)
	}
	return o.shutdown()
}

// Pause halts new activations without leaving the running lineage —
// fires already within pause_grace of firing are allowed to complete.
func (o *Orchestrator) Pause() error {
	return o.machine.RequestTransition(model.StatePaused)
}

// Resume restarts the belt at its configured nominal speed.
func (o *Orchestrator) Resume() error {
	return o.machine.RequestTransition(model.StateRunning)
}

// EmergencyStop cuts belt power immediately, regardless of the state
// machine's verdict, then forces the machine into error.
func (o *Orchestrator) EmergencyStop() error {
	o.scheduler.CancelAll()
	if err := o.beltCtrl.EmergencyStop(); err != nil {
		o.log.Error("orchestrator: emergency stop belt power-off failed", zap.Error(err))
	}
	return o.machine.ForceTransition(model.StateError)
}

// EnterMaintenance takes every diverter and the belt offline for
// operator service.
func (o *Orchestrator) EnterMaintenance() error {
	return o.machine.RequestTransition(model.StateMaintenance)
}

// ExitMaintenance returns to idle. It does not re-enable diverters that
// recovery has shut down.
func (o *Orchestrator) ExitMaintenance() error {
	return o.machine.RequestTransition(model.StateIdle)
}

// ReloadConfig re-reads and validates path, then applies every
// non-destructive setting (distances, speeds, thresholds) to the live
// components. An invalid or unreadable config leaves the running
// configuration untouched, per the package doc's hot-reload contract.
func (o *Orchestrator) ReloadConfig(path string) error {
	if path == "" {
		path = o.configPath
	}
	newCfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("orchestrator: reload config: %w", err)
	}
	o.applyHotReload(newCfg)
	o.cfg.Store(newCfg)
	o.log.Info("orchestrator: configuration reloaded", zap.String("path", path))
	return nil
}

func (o *Orchestrator) applyHotReload(cfg *config.Config) {
	fireGrace := time.Duration(cfg.Safety.FireGraceS * float64(time.Second))
	o.scheduler.SetGlobalSettings(dispatch.GlobalSettings{
		SimultaneousActivations:   cfg.Diverters.GlobalSettings.SimultaneousActivations,
		TimeoutBetweenActivations: cfg.Diverters.GlobalSettings.TimeoutBetweenActivationsMS,
		FireGrace:                 fireGrace,
	})
	o.wireSchedulerCategories(cfg)

	for cat, sc := range cfg.Sensors.BinLevelSensors {
		o.bins.Configure(cat, binmonitor.Thresholds{
			WarnPct: sc.FullPercent * 0.8, FullPct: sc.FullPercent,
			CriticalPct: sc.CriticalPercent, MarginPct: cfg.Safety.HysteresisMarginPct,
		})
	}
}

// GetMetrics returns every retained snapshot within window of now.
func (o *Orchestrator) GetMetrics(window time.Duration) []model.MetricsSnapshot {
	cutoff := o.clk.Now() - window
	o.metricsMu.Lock()
	defer o.metricsMu.Unlock()

	out := make([]model.MetricsSnapshot, 0, len(o.metricsHistory))
	for _, snap := range o.metricsHistory {
		if snap.WallTS >= cutoff {
			out = append(out, snap)
		}
	}
	return out
}

// GetDiverterStatus reports the live record for one category's diverter.
func (o *Orchestrator) GetDiverterStatus(category model.Category) (model.Diverter, error) {
	d, ok := o.diverters[category]
	if !ok {
		return model.Diverter{}, fmt.Errorf("orchestrator: no diverter configured for category %q", category)
	}
	st := d.Status()
	dcfg := o.cfgSnapshot().Diverters.Diverters[category]
	return model.Diverter{
		Handle: string(category), Type: dcfg.Type, LastActivation: st.LastOpTS,
		OperationCount: st.OpCount, FaultCount: st.FaultCount, Enabled: st.Enabled,
	}, nil
}

// GetBinStatus reports the live fill record for one category's bin.
func (o *Orchestrator) GetBinStatus(category model.Category) (model.Bin, error) {
	bin, ok := o.bins.Snapshot(category)
	if !ok {
		return model.Bin{}, fmt.Errorf("orchestrator: no bin configured for category %q", category)
	}
	return bin, nil
}
