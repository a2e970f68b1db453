package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/actuator"
	"github.com/chele-s/ecosort-core/internal/belt"
	"github.com/chele-s/ecosort-core/internal/binmonitor"
	"github.com/chele-s/ecosort-core/internal/classifier"
	"github.com/chele-s/ecosort-core/internal/clock"
	"github.com/chele-s/ecosort-core/internal/config"
	"github.com/chele-s/ecosort-core/internal/dispatch"
	"github.com/chele-s/ecosort-core/internal/fsm"
	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/recovery"
	"github.com/chele-s/ecosort-core/internal/sensor"
	"github.com/chele-s/ecosort-core/internal/telemetry"
)

const testCategory = model.CategoryPlastic

// testPWM is a minimal belt.PWMWriter fake, local to this test file so
// it isn't gated behind the hardware_linux/hardware_stub build tags.
type testPWM struct {
	mu   sync.Mutex
	last float64
}

func (p *testPWM) SetDutyCycle(frac float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = frac
	return nil
}

// newTestOrchestrator builds an Orchestrator by hand, bypassing New's
// hardware wiring entirely: one fake on/off diverter on testCategory, a
// real belt.Controller over an in-memory PWM, and a real fsm/dispatch/
// binmonitor/telemetry stack, all on a virtual clock.
func newTestOrchestrator(t *testing.T) (*Orchestrator, *clock.VirtualClock) {
	t.Helper()
	log := zap.NewNop()
	clk := clock.NewVirtualClock()
	cfg := config.Defaults()

	cfg.Control.MaxShutdownDrainS = time.Millisecond

	o := &Orchestrator{
		log: log, clk: clk,
		diverters:    make(map[model.Category]actuator.Actuator),
		divHandles:   make(map[string]model.Category),
		binSensors:   make(map[model.Category]binSource),
		estopEdgesIn: make(chan sensor.Edge, 4),
		configPath:   "test.yaml",
		shutdownDone: make(chan struct{}),
	}
	o.cfg.Store(&cfg)

	gpio := actuator.NewFakeGPIO()
	d := actuator.NewOnOff("plastic", 17, true, 100000, gpio, clk, func(string) {})
	if err := d.Initialize(); err != nil {
		t.Fatalf("diverter Initialize: %v", err)
	}
	o.diverters[testCategory] = d
	o.divHandles["plastic"] = testCategory

	pwm := &testPWM{}
	o.beltCtrl = belt.NewController(0.15, 0.2, 1.0, 50*time.Millisecond, 50*time.Millisecond, pwm, clk, log)

	o.bins = binmonitor.NewMonitor()
	o.bins.Configure(testCategory, binmonitor.Thresholds{WarnPct: 0.7, FullPct: 0.85, CriticalPct: 0.95, MarginPct: 0.05})

	o.bus = telemetry.NewBus(nil, log)

	o.scheduler = dispatch.NewScheduler(clk, o.beltCtrl, o.bins, dispatch.GlobalSettings{
		SimultaneousActivations: true, FireGrace: 200 * time.Millisecond,
	}, o.bus, log)
	o.scheduler.RegisterDiverter("plastic", d)
	o.scheduler.SetCategory(testCategory, dispatch.CategoryParams{
		DiverterHandle: "plastic", DistanceM: 0.8, ActivationDurationS: 0.3, ActivationLeadS: 0.0,
	})

	o.machine = fsm.NewMachine(clk, log, 30*time.Minute, o.onStateChanged)
	o.machine.SetGuard(model.StateRunning, o.guardRunning)

	o.recBudget = recovery.NewBudget(3, 10*time.Second, clk)
	o.recSup = recovery.NewSupervisor(o.recBudget, 3, 5*time.Second, o, clk, log)

	o.classifierClient = classifier.NewClient(fakeBackend{}, 0.6, model.CategoryOther, nil)

	return o, clk
}

type fakeBackend struct{}

func (fakeBackend) Classify(ctx context.Context, frame classifier.Frame, deadline time.Time) (string, float64, *model.BBox, error) {
	return "", 0, nil, nil
}

func mustIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	if err := o.machine.RequestTransition(model.StateIdle); err != nil {
		t.Fatalf("transition to idle: %v", err)
	}
}

func TestStartRunsBeltAndTransitionsRunning(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)

	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if o.machine.State() != model.StateRunning {
		t.Fatalf("expected running, got %s", o.machine.State())
	}
}

func TestStopDrivesShuttingDownToShutdownFromRunning(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.machine.State() != model.StateShutdown {
		t.Fatalf("expected shutdown after Stop, got %s", o.machine.State())
	}
}

func TestStopDrivesShuttingDownToShutdownFromPaused(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.machine.State() != model.StateShutdown {
		t.Fatalf("expected shutdown after Stop from paused, got %s", o.machine.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := o.Stop(); err == nil {
		t.Fatal("expected a second Stop on an already-shutdown system to error, since shutdown is terminal")
	}
	if o.machine.State() != model.StateShutdown {
		t.Fatalf("expected to remain shutdown, got %s", o.machine.State())
	}
}

func TestStopCancelsPendingSchedulerFires(t *testing.T) {
	o, clk := newTestOrchestrator(t)
	mustIdle(t, o)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.scheduler.Schedule(model.Item{ID: 1, Category: testCategory, TriggerTS: clk.Now()})
	if o.scheduler.PendingCount() != 1 {
		t.Fatal("expected one pending fire before Stop")
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.scheduler.PendingCount() != 0 {
		t.Fatal("expected Stop to cancel every pending fire")
	}
}

func TestEmergencyStopForcesErrorAndCutsBelt(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := o.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if o.machine.State() != model.StateError {
		t.Fatalf("expected error state, got %s", o.machine.State())
	}
	if o.beltCtrl.State() != belt.StateEmergencyStop {
		t.Fatalf("expected belt emergency_stop, got %s", o.beltCtrl.State())
	}
}

func TestGetStatusReportsComponents(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)

	snap := o.GetStatus()
	if snap.State != model.StateIdle {
		t.Fatalf("expected idle, got %s", snap.State)
	}
	found := false
	for _, c := range snap.Components {
		if c.Name == "diverter.plastic" {
			found = true
			if !c.Healthy {
				t.Fatal("expected diverter.plastic to be healthy")
			}
		}
	}
	if !found {
		t.Fatal("expected a diverter.plastic component entry")
	}
}

func TestGetMetricsFiltersByWindow(t *testing.T) {
	o, clk := newTestOrchestrator(t)

	o.recordMetricsSnapshot(model.MetricsSnapshot{WallTS: clk.Now(), ItemsProcessed: 1})
	clk.Advance(time.Minute)
	o.recordMetricsSnapshot(model.MetricsSnapshot{WallTS: clk.Now(), ItemsProcessed: 2})

	recent := o.GetMetrics(10 * time.Second)
	if len(recent) != 1 || recent[0].ItemsProcessed != 2 {
		t.Fatalf("expected only the most recent snapshot, got %+v", recent)
	}

	all := o.GetMetrics(2 * time.Minute)
	if len(all) != 2 {
		t.Fatalf("expected both snapshots within a wider window, got %d", len(all))
	}
}

func TestGetDiverterStatusUnknownCategoryErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if _, err := o.GetDiverterStatus(model.CategoryGlass); err == nil {
		t.Fatal("expected an error for an unconfigured category")
	}
}

func TestGetBinStatusUnknownCategoryErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if _, err := o.GetBinStatus(model.CategoryGlass); err == nil {
		t.Fatal("expected an error for an unconfigured bin")
	}
}

func TestDisableDiverterDisablesIt(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.DisableDiverter("plastic"); err != nil {
		t.Fatalf("DisableDiverter: %v", err)
	}
	status, err := o.GetDiverterStatus(testCategory)
	if err != nil {
		t.Fatalf("GetDiverterStatus: %v", err)
	}
	if status.Enabled {
		t.Fatal("expected diverter to be disabled")
	}
}

func TestDisableDiverterUnknownHandleErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.DisableDiverter("nope"); err == nil {
		t.Fatal("expected an error for an unknown diverter handle")
	}
}

func TestEscalateForcesError(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)
	if err := o.Escalate("synthetic test fault"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if o.machine.State() != model.StateError {
		t.Fatalf("expected error after Escalate, got %s", o.machine.State())
	}
}

func TestReturnToPreFaultStateFromError(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)
	if err := o.Escalate("synthetic test fault"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if err := o.ReturnToPreFaultState(); err != nil {
		t.Fatalf("ReturnToPreFaultState: %v", err)
	}
	if o.machine.State() != model.StateIdle {
		t.Fatalf("expected idle after recovery, got %s", o.machine.State())
	}
}

func TestFaultRecoveryLoopConsumesAlertsFromTheBus(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	mustIdle(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.runFaultRecoveryLoop(ctx)

	// bin_full's default strategy is pause_category: publishing the
	// alert should reach recSup.HandleFault and, through it, the
	// orchestrator's own PauseCategory executor method.
	o.bus.Alert(model.FaultBinFull, model.SeverityWarn, "bin nearly full", string(testCategory))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		status, err := o.GetDiverterStatus(testCategory)
		if err == nil && !status.Enabled {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected the bin_full alert to reach the recovery supervisor and pause the category's diverter")
}

func TestGuardRunningRejectsWithoutClassifier(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.classifierClient = nil
	mustIdle(t, o)

	if err := o.Start(); err == nil {
		t.Fatal("expected Start to be rejected without a classifier backend")
	}
	if o.machine.State() != model.StateIdle {
		t.Fatalf("expected to remain idle, got %s", o.machine.State())
	}
}
