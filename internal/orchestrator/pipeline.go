package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/belt"
	"github.com/chele-s/ecosort-core/internal/classifier"
	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/sensor"
)

// runPipeline consumes the debounced camera-trigger edge stream,
// classifies each detected item, and hands it to the dispatch scheduler.
// Classification itself never blocks the edge reader: each trigger spawns
// its own classify-then-schedule goroutine, bounded only by
// max_inference_time_ms.
func (o *Orchestrator) runPipeline(ctx context.Context) {
	edges := o.trigger.Run(ctx)
	maxInference := o.cfgSnapshot().AIModel.MaxInferenceTimeMS

	for edge := range edges {
		if !edge.Rising {
			continue
		}
		edge := edge
		go o.classifyAndSchedule(ctx, edge, maxInference)
	}
}

func (o *Orchestrator) classifyAndSchedule(ctx context.Context, edge sensor.Edge, maxInference time.Duration) {
	classifyCtx, cancel := context.WithTimeout(ctx, maxInference)
	defer cancel()

	deadline := time.Now().Add(maxInference)
	result, err := o.classifierClient.Classify(classifyCtx, classifier.Frame{}, deadline)
	if err != nil {
		o.log.Warn("orchestrator: classification failed", zap.Error(err))
		o.bus.Alert(model.FaultAIModelFailure, model.SeverityWarn, "classification failed: "+err.Error(), "classifier")
		return
	}

	item := model.Item{
		ID: o.itemSeq.Add(1), TriggerTS: edge.TS, ImageRef: uuid.New(),
		Category: result.Category, HasCategory: true, Confidence: result.Confidence, BBox: result.BBox,
	}
	if result.LowConfidence {
		item.Reason = model.ReasonLowConfidence
	}
	o.itemsProcessed.Add(1)
	o.scheduler.Schedule(item)
}

func (o *Orchestrator) runBinPollLoops(ctx context.Context) {
	cfg := o.cfgSnapshot()
	for cat, bs := range o.binSensors {
		cat, bs := cat, bs
		interval := cfg.Sensors.BinLevelSensors[cat].UpdateIntervalS
		if interval <= 0 {
			interval = 5 * time.Second
		}
		go o.pollBin(ctx, cat, bs, interval)
	}
}

func (o *Orchestrator) pollBin(ctx context.Context, cat model.Category, bs binSource, interval time.Duration) {
	ticker := o.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			fillFraction, ts, err := bs.Measure(ctx)
			if err != nil {
				o.log.Warn("orchestrator: bin measurement failed", zap.String("category", string(cat)), zap.Error(err))
				o.bus.Alert(model.FaultSensorFailure, model.SeverityWarn, "bin sensor "+string(cat)+" measurement failed", "bin."+string(cat))
				continue
			}
			bin := o.bins.Update(cat, fillFraction, ts)
			o.bus.BinChanged(bin)
		}
	}
}

func (o *Orchestrator) runMetricsSnapshotLoop(ctx context.Context) {
	interval := o.cfgSnapshot().Monitoring.MetricsIntervalS
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := o.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			snap := o.buildMetricsSnapshot()
			o.recordMetricsSnapshot(snap)
			o.bus.Metrics(snap)
		}
	}
}

func (o *Orchestrator) buildMetricsSnapshot() model.MetricsSnapshot {
	processed := o.itemsProcessed.Load()
	dropped := o.itemsDropped.Load()
	var errRate float64
	if processed > 0 {
		errRate = float64(dropped) / float64(processed)
	}
	return model.MetricsSnapshot{
		WallTS: o.clk.Now(), ItemsProcessed: processed, ErrorRate: errRate,
	}
}

func (o *Orchestrator) recordMetricsSnapshot(snap model.MetricsSnapshot) {
	o.metricsMu.Lock()
	defer o.metricsMu.Unlock()
	o.metricsHistory = append(o.metricsHistory, snap)
	if len(o.metricsHistory) > metricsHistoryCap {
		o.metricsHistory = o.metricsHistory[len(o.metricsHistory)-metricsHistoryCap:]
	}
}

const metricsHistoryCap = 720 // 1 hour at a 5s cadence

// onStateChanged is the fsm.Machine onChange hook: it drives every
// component-level side effect a system state transition requires and
// publishes the transition to telemetry.
func (o *Orchestrator) onStateChanged(from, to model.SystemState) {
	o.bus.StateChanged(from, to)

	switch to {
	case model.StateRunning:
		if err := o.beltCtrl.Start(o.cfgSnapshot().Belt.BeltSpeedMps); err != nil {
			o.log.Error("orchestrator: belt start failed on entering running", zap.Error(err))
		}
	case model.StatePaused:
		pauseGrace := time.Duration(o.cfgSnapshot().Safety.PauseGraceS * float64(time.Second))
		o.scheduler.CancelBeyondGrace(pauseGrace)
		if err := o.beltCtrl.Pause(); err != nil {
			o.log.Error("orchestrator: belt pause failed", zap.Error(err))
		}
	case model.StateMaintenance, model.StateShuttingDown, model.StateShutdown:
		o.scheduler.CancelAll()
		if err := o.beltCtrl.Stop(true); err != nil {
			o.log.Error("orchestrator: belt stop failed", zap.Error(err))
		}
	case model.StateError:
		o.scheduler.CancelAll()
		if err := o.beltCtrl.EmergencyStop(); err != nil {
			o.log.Error("orchestrator: belt emergency stop failed", zap.Error(err))
		}
	case model.StateIdle:
		if from == model.StateRunning || from == model.StatePaused {
			o.scheduler.CancelAll()
			if err := o.beltCtrl.Stop(true); err != nil {
				o.log.Error("orchestrator: belt stop failed", zap.Error(err))
			}
		}
		o.beltCtrl.ResetAfterEStop()
	}
}

// guardRunning vetoes entry into running when no classifier backend is
// configured or the belt is in emergency_stop. Belt motion and component
// health are not checked. Registered as the running-state guard on
// fsm.Machine.
func (o *Orchestrator) guardRunning() error {
	if o.classifierClient == nil {
		return fmt.Errorf("orchestrator: no classifier backend configured")
	}
	if o.beltCtrl.State() == belt.StateEmergencyStop {
		return fmt.Errorf("orchestrator: belt is in emergency_stop, requires operator reset")
	}
	return nil
}

func (o *Orchestrator) componentHealth() []model.ComponentHealth {
	health := []model.ComponentHealth{
		{Name: "belt", Healthy: o.beltCtrl.State() != belt.StateEmergencyStop, Detail: string(o.beltCtrl.State())},
		{Name: "classifier", Healthy: o.classifierClient != nil},
		{Name: "recovery_budget", Healthy: o.recBudget.Remaining() > 0},
	}
	for handle, cat := range o.divHandles {
		d := o.diverters[cat]
		st := d.Status()
		health = append(health, model.ComponentHealth{Name: "diverter." + handle, Healthy: st.Enabled})
	}
	return health
}
