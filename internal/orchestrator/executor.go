package orchestrator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
)

// Retry re-initializes a diverter in place — the cheapest strategy,
// used for transient hardware/sensor faults.
func (o *Orchestrator) Retry(component string) error {
	if cat, ok := o.divHandles[component]; ok {
		return o.diverters[cat].Initialize()
	}
	o.log.Debug("recovery: retry requested for untracked component", zap.String("component", component))
	return nil
}

// RestartComponent shuts a component down and brings it back from
// scratch, for faults retry alone doesn't clear (e.g. a memory leak).
func (o *Orchestrator) RestartComponent(component string) error {
	if cat, ok := o.divHandles[component]; ok {
		d := o.diverters[cat]
		d.Shutdown()
		return d.Initialize()
	}
	if component == "belt" {
		return o.beltCtrl.Stop(false)
	}
	return fmt.Errorf("recovery: restart_component: unknown component %q", component)
}

// Failover is reserved for the camera/AI-model fault kinds, whose
// capture and inference pipeline lives outside this core — the
// external subsystem owns its own standby switch-over, so this is a
// notification point rather than an action.
func (o *Orchestrator) Failover(component string) error {
	o.log.Warn("recovery: failover requested, deferring to external capture/inference subsystem", zap.String("component", component))
	return nil
}

// PauseCategory takes one category's diverter offline (e.g. its bin
// is full) without touching the rest of the line.
func (o *Orchestrator) PauseCategory(component string) error {
	cat := model.Category(component)
	d, ok := o.diverters[cat]
	if !ok {
		return fmt.Errorf("recovery: pause_category: unknown category %q", component)
	}
	d.Shutdown()
	return nil
}

// DisableDiverter takes one diverter offline. Nothing in the
// orchestrator re-enables it afterwards, including ExitMaintenance.
func (o *Orchestrator) DisableDiverter(handle string) error {
	cat, ok := o.divHandles[handle]
	if !ok {
		return fmt.Errorf("recovery: disable_diverter: unknown handle %q", handle)
	}
	o.diverters[cat].Shutdown()
	return nil
}

// Escalate raises an alert and forces the system into error — the
// terminal recovery action once the retry budget or consecutive-
// failure ceiling is exhausted.
func (o *Orchestrator) Escalate(reason string) error {
	o.bus.Alert(model.FaultHardwareFailure, model.SeverityCritical, "escalated: "+reason, "orchestrator")
	return o.machine.ForceTransition(model.StateError)
}

// ReturnToPreFaultState brings the system back out of error/recovering
// once a recovery strategy has succeeded, always to idle: the state held
// before the fault is not restored, so a system that was running comes
// back idle rather than staying parked in recovering.
func (o *Orchestrator) ReturnToPreFaultState() error {
	if o.machine.State() == model.StateError {
		if err := o.machine.RequestTransition(model.StateRecovering); err != nil {
			return err
		}
	}
	return o.machine.RequestTransition(model.StateIdle)
}
