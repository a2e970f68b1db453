// Package orchestrator wires every leaf component into the running
// sorter core. Built the way the teacher's cmd/octoreflex/main.go
// builds the agent — numbered startup steps, leaf-first construction,
// a single root context cancelled on shutdown — generalized here from a
// main() function into a reusable, testable type.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/actuator"
	"github.com/chele-s/ecosort-core/internal/belt"
	"github.com/chele-s/ecosort-core/internal/binmonitor"
	"github.com/chele-s/ecosort-core/internal/classifier"
	"github.com/chele-s/ecosort-core/internal/clock"
	"github.com/chele-s/ecosort-core/internal/config"
	"github.com/chele-s/ecosort-core/internal/control"
	"github.com/chele-s/ecosort-core/internal/dispatch"
	"github.com/chele-s/ecosort-core/internal/fsm"
	"github.com/chele-s/ecosort-core/internal/httpapi"
	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/observability"
	"github.com/chele-s/ecosort-core/internal/recovery"
	"github.com/chele-s/ecosort-core/internal/safety"
	"github.com/chele-s/ecosort-core/internal/sensor"
	"github.com/chele-s/ecosort-core/internal/storage"
	"github.com/chele-s/ecosort-core/internal/telemetry"
)

// binSource is the narrow capability the bin-polling loop consumes,
// satisfied by *sensor.Ultrasonic.
type binSource interface {
	Measure(ctx context.Context) (fillFraction float64, ts time.Duration, err error)
}

// Orchestrator owns every component's lifetime and implements both
// control.ControlPlane and recovery.Executor directly — it is the only
// type in the core concrete enough to touch hardware, the scheduler and
// the state machine all at once.
type Orchestrator struct {
	cfg atomic.Pointer[config.Config]
	log *zap.Logger
	clk clock.Clock

	db      *storage.DB
	metrics *observability.Metrics
	bus     *telemetry.Bus

	pinClaim   *actuator.PinClaim
	beltCtrl   *belt.Controller
	diverters  map[model.Category]actuator.Actuator
	divHandles map[string]model.Category

	bins             *binmonitor.Monitor
	binSensors       map[model.Category]binSource
	classifierClient *classifier.Client
	trigger          *sensor.EdgeSensor
	estopSensor      *sensor.EdgeSensor
	estopEdgesIn     chan sensor.Edge

	scheduler *dispatch.Scheduler
	machine   *fsm.Machine
	safetySup *safety.Supervisor
	recBudget *recovery.Budget
	recSup    *recovery.Supervisor

	itemSeq   atomic.Uint64
	startedAt time.Duration

	metricsMu      sync.Mutex
	metricsHistory []model.MetricsSnapshot
	itemsProcessed atomic.Uint64
	itemsDropped   atomic.Uint64

	configPath string

	controlSrv *control.Server
	httpSrv    *httpapi.Server

	cancelRun    context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
	shutdownDone chan struct{}
}

// Dependencies bundles the externally-driven capabilities the
// orchestrator cannot construct itself: camera capture and model
// inference run in a separate process/subsystem, so only their thin
// client-facing interfaces cross into this core.
type Dependencies struct {
	ClassifierBackend classifier.Backend
	GPIOChipPath      string // e.g. "/dev/gpiochip0"
	PWMChipPath       string // e.g. "/sys/class/pwm/pwmchip0"
}

// New constructs an Orchestrator from a validated config, wiring every
// leaf component bottom-up: clock, storage, metrics, bus, actuators
// (behind PinClaim), sensors, belt, classifier, bin monitor, dispatch
// scheduler, state machine, safety supervisor, recovery supervisor.
func New(cfg *config.Config, configPath string, deps Dependencies, log *zap.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		log: log, clk: clock.NewRealClock(),
		diverters:    make(map[model.Category]actuator.Actuator),
		divHandles:   make(map[string]model.Category),
		binSensors:   make(map[model.Category]binSource),
		estopEdgesIn: make(chan sensor.Edge, 4),
		configPath:   configPath,
		shutdownDone: make(chan struct{}),
	}
	o.cfg.Store(cfg)

	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: storage open: %w", err)
	}
	o.db = db

	if pruned, err := db.PruneOldLedgerEntries(); err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	o.metrics = observability.NewMetrics()
	o.bus = telemetry.NewBus(nil, log)

	o.pinClaim = actuator.NewPinClaim()

	if err := o.buildBelt(cfg, deps); err != nil {
		return nil, err
	}
	if err := o.buildDiverters(cfg, deps); err != nil {
		return nil, err
	}
	if err := o.buildSensors(cfg, deps); err != nil {
		return nil, err
	}

	o.bins = binmonitor.NewMonitor()
	for cat, sc := range cfg.Sensors.BinLevelSensors {
		o.bins.Configure(cat, binmonitor.Thresholds{
			WarnPct: sc.FullPercent * 0.8, FullPct: sc.FullPercent,
			CriticalPct: sc.CriticalPercent, MarginPct: cfg.Safety.HysteresisMarginPct,
		})
	}

	if deps.ClassifierBackend != nil {
		o.classifierClient = classifier.NewClient(
			deps.ClassifierBackend, cfg.AIModel.MinConfidence,
			cfg.AIModel.FallbackCategory, cfg.AIModel.ClassMapping,
		)
	}

	fireGrace := time.Duration(cfg.Safety.FireGraceS * float64(time.Second))
	o.scheduler = dispatch.NewScheduler(o.clk, o.beltCtrl, o.bins, dispatch.GlobalSettings{
		SimultaneousActivations:   cfg.Diverters.GlobalSettings.SimultaneousActivations,
		TimeoutBetweenActivations: cfg.Diverters.GlobalSettings.TimeoutBetweenActivationsMS,
		FireGrace:                 fireGrace,
	}, o.bus, log)
	for cat, d := range o.diverters {
		o.scheduler.RegisterDiverter(string(cat), d)
	}
	o.wireSchedulerCategories(cfg)

	o.machine = fsm.NewMachine(o.clk, log, 30*time.Minute, o.onStateChanged)
	o.machine.SetGuard(model.StateRunning, o.guardRunning)

	o.recBudget = recovery.NewBudget(
		cfg.Diverters.GlobalSettings.MaxConsecutiveFailures,
		cfg.Diverters.GlobalSettings.FailureRecoveryDelayS*2,
		o.clk,
	)
	o.recSup = recovery.NewSupervisor(
		o.recBudget, cfg.Diverters.GlobalSettings.MaxConsecutiveFailures,
		cfg.Diverters.GlobalSettings.FailureRecoveryDelayS, o, o.clk, log,
	)

	o.safetySup = safety.NewSupervisor(o.estopEdgesIn, safety.Limits{
		MaxContinuousRuntime: time.Duration(cfg.Safety.OperationalLimits.MaxContinuousRuntimeHours * float64(time.Hour)),
		MaxObjectsPerHour:    float64(cfg.Safety.OperationalLimits.MaxObjectsPerHour),
		CPUPctWarn:           cfg.Monitoring.PerformanceMonitoring.CPUPctWarn,
		CPUPctCritical:       cfg.Monitoring.PerformanceMonitoring.CPUPctCritical,
		MemPctWarn:           cfg.Monitoring.PerformanceMonitoring.MemPctWarn,
		MemPctCritical:       cfg.Monitoring.PerformanceMonitoring.MemPctCritical,
		TempCWarn:            cfg.Monitoring.PerformanceMonitoring.TempCWarn,
		TempCCritical:        cfg.Monitoring.PerformanceMonitoring.TempCCritical,
		HysteresisSamples:    cfg.Safety.HysteresisSamples,
		HysteresisMarginPct:  cfg.Safety.HysteresisMarginPct,
	}, o.machine, o.bus, func() uint64 { return o.itemsProcessed.Load() }, o.clk, log)

	return o, nil
}

func (o *Orchestrator) wireSchedulerCategories(cfg *config.Config) {
	for cat, dist := range cfg.Belt.DistanceCameraToDivertersM {
		dcfg, ok := cfg.Diverters.Diverters[cat]
		if !ok {
			continue
		}
		o.scheduler.SetCategory(cat, dispatch.CategoryParams{
			DiverterHandle:      string(cat),
			DistanceM:           dist,
			ActivationDurationS: dcfg.ActivationDurationS,
			ActivationLeadS:     dcfg.ActivationLeadS,
		})
	}
}

// Run starts every background loop and blocks until ctx is cancelled or
// Stop drives the system through shutting_down. Either path converges on
// the same shutdown sequence, run exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = o.clk.Now()

	if err := o.machine.RequestTransition(model.StateIdle); err != nil {
		return fmt.Errorf("orchestrator: initial transition to idle failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancelRun = cancel
	ctx = runCtx

	cfg := o.cfgSnapshot()

	go func() {
		if err := o.metrics.ServeMetrics(ctx, cfg.Obs.MetricsAddr); err != nil {
			o.log.Error("orchestrator: metrics server exited", zap.Error(err))
		}
	}()
	go o.recBudget.Run(ctx.Done())
	go o.safetySup.Run(ctx, 2*time.Second)
	go o.forwardEStopEdges(ctx)
	go o.runFaultRecoveryLoop(ctx)

	ledgerWriter := telemetry.NewLedgerWriter(o.bus, o.db, cfg.NodeID, 32, 500*time.Millisecond, o.log)
	go ledgerWriter.Run(ctx)

	wsBroadcast := telemetry.NewWebSocketBroadcaster(o.bus, o.log)
	go wsBroadcast.Run(ctx)

	metricsSub := telemetry.NewMetricsSubscriber(o.bus, o.metrics)
	go metricsSub.Run(ctx)

	go o.runMetricsSnapshotLoop(ctx)
	go o.runBinPollLoops(ctx)
	if o.trigger != nil && o.classifierClient != nil {
		go o.runPipeline(ctx)
	}

	if cfg.Control.SocketEnabled {
		o.controlSrv = control.NewServer(cfg.Control.SocketPath, o, o.log)
		go func() {
			if err := o.controlSrv.ListenAndServe(ctx); err != nil {
				o.log.Error("orchestrator: control socket server exited", zap.Error(err))
			}
		}()
	}
	if cfg.Control.HTTPEnabled {
		o.httpSrv = httpapi.NewServer(cfg.Control.HTTPAddr, o, o.log)
		go func() {
			if err := o.httpSrv.ListenAndServe(); err != nil {
				o.log.Error("orchestrator: http api server exited", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	return o.shutdown()
}

// shutdown drains pending work and tears every background component
// down exactly once, however it was triggered: Stop driving the fsm
// through shutting_down, or Run's context being cancelled by the
// caller. Both paths call shutdown and block on the same result.
func (o *Orchestrator) shutdown() error {
	o.shutdownOnce.Do(func() {
		defer close(o.shutdownDone)

		if st := o.machine.State(); st != model.StateShuttingDown && st != model.StateShutdown {
			if err := o.machine.RequestTransition(model.StateShuttingDown); err != nil {
				// A context cancellation must not be blocked by a guard
				// the way an operator-issued Stop can be.
				if err := o.machine.ForceTransition(model.StateShuttingDown); err != nil {
					o.log.Error("orchestrator: transition to shutting_down failed", zap.Error(err))
				}
			}
		}

		drain := o.cfgSnapshot().Control.MaxShutdownDrainS
		if drain <= 0 {
			drain = 5 * time.Second
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()

		if o.scheduler != nil {
			o.scheduler.CancelAll()
		}
		if o.beltCtrl != nil {
			_ = o.beltCtrl.Stop(false)
		}
		if o.httpSrv != nil {
			_ = o.httpSrv.Close()
		}
		<-drainCtx.Done()

		if o.cancelRun != nil {
			o.cancelRun()
		}

		var err error
		if o.db != nil {
			err = o.db.Close()
		}
		if transErr := o.machine.RequestTransition(model.StateShutdown); transErr != nil {
			o.log.Error("orchestrator: final transition to shutdown failed", zap.Error(transErr))
			if err == nil {
				err = transErr
			}
		}
		o.shutdownErr = err
	})
	<-o.shutdownDone
	return o.shutdownErr
}

func (o *Orchestrator) forwardEStopEdges(ctx context.Context) {
	if o.estopSensor == nil {
		return
	}
	for edge := range o.estopSensor.Run(ctx) {
		select {
		case o.estopEdgesIn <- edge:
		case <-ctx.Done():
			return
		}
	}
}

// runFaultRecoveryLoop is the single consumer of telemetry.TopicAlert
// that turns a published alert into a recovery decision: every Fault
// published on the bus (hardware/sensor/AI-model failures, bin-full,
// high-temperature, e-stop, ...) is handed to the recovery supervisor,
// which classifies it against the §7 strategy table and executes the
// chosen action against the orchestrator's Executor methods.
func (o *Orchestrator) runFaultRecoveryLoop(ctx context.Context) {
	id, ch := o.bus.Subscribe(128, telemetry.DropOldest, telemetry.TopicAlert)
	defer o.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, ok := evt.Payload.(telemetry.AlertPayload)
			if !ok {
				continue
			}
			now := o.clk.Now()
			fault := model.Fault{
				Kind: payload.Kind, Component: payload.Component, Severity: payload.Severity,
				FirstTS: now, LastTS: now, Count: 1, Message: payload.Message,
			}
			strategy := o.recSup.HandleFault(fault, o.machine.State())
			o.log.Debug("orchestrator: recovery strategy applied",
				zap.String("kind", string(payload.Kind)), zap.String("component", payload.Component),
				zap.String("strategy", string(strategy)))
		}
	}
}

func (o *Orchestrator) cfgSnapshot() *config.Config {
	return o.cfg.Load()
}
