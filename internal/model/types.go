// Package model holds the data-model entities shared across the sorter
// core: Item, Category, Diverter, Bin, SystemState, Fault and
// MetricsSnapshot. Nothing in this package owns behaviour; ownership of
// the live collections (categories/diverters/bins) belongs to the
// orchestrator, and the dispatch scheduler exclusively owns its pending
// fire set — this package only defines the shapes that cross those
// boundaries by value.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Category is the canonical material class a classified item belongs to.
type Category string

const (
	CategoryMetal   Category = "metal"
	CategoryPlastic Category = "plastic"
	CategoryGlass   Category = "glass"
	CategoryCarton  Category = "carton"
	CategoryOther   Category = "other"
)

// DropReason enumerates why an item was not actuated.
type DropReason string

const (
	ReasonLate            DropReason = "LATE"
	ReasonBinFull          DropReason = "BIN_FULL"
	ReasonCongested        DropReason = "CONGESTED"
	ReasonBeltNotReady     DropReason = "BELT_NOT_READY"
	ReasonLowConfidence    DropReason = "LOW_CONFIDENCE"
	ReasonClassifierError  DropReason = "CLASSIFIER_ERROR"
)

// Outcome is the terminal disposition of an Item.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

// Item tracks one physical object from trigger edge through actuation.
// Items flow by value through channels; no stage retains a reference to
// an Item once it has handed it to the next stage.
type Item struct {
	ID           uint64
	TriggerTS    time.Duration
	ImageRef     uuid.UUID
	Category     Category
	HasCategory  bool
	Confidence   float64
	BBox         *BBox
	FireDeadline time.Duration
	HasDeadline  bool
	Actuated     bool
	Outcome      Outcome
	Reason       DropReason
}

// BBox is an axis-aligned bounding box in frame pixel coordinates.
type BBox struct {
	X, Y, W, H int
}

// DiverterType distinguishes the two actuator kinds a Diverter may use.
// Closed enum — extensible only by code change, per design note on
// dynamic-registration risk: a plugin mechanism for new diverter types
// is a non-goal.
type DiverterType string

const (
	DiverterStepper DiverterType = "stepper"
	DiverterOnOff   DiverterType = "on_off"
)

// CategoryConfig is the static, config-sourced description of a category.
// Mutable only via a full configuration reload.
type CategoryConfig struct {
	Name                     Category
	CameraToDiverterDistance float64 // meters
	DiverterHandle           string
	ActivationDurationS      float64
	BinHandle                string
}

// Diverter is the live, mutable record for one physical diverter.
// Counters persist across the diverter's lifetime for maintenance
// reporting; the supervisor may disable it after repeated faults.
type Diverter struct {
	Handle         string
	Type           DiverterType
	LastActivation time.Duration
	OperationCount uint64
	FaultCount     uint64
	Enabled        bool
}

// BinState is the hysteresis-gated fill classification of a Bin.
type BinState string

const (
	BinOK       BinState = "ok"
	BinWarn     BinState = "warn"
	BinFull     BinState = "full"
	BinCritical BinState = "critical"
)

// Bin is the live, mutable record of one category's destination bin.
// Exits `full` only once fill_fraction drops below warn_pct − 5 (percentage
// points), preventing flapping right at the threshold.
type Bin struct {
	Category         Category
	FillFraction     float64
	LastMeasurement  time.Duration
	State            BinState
}

// SystemState is one node of the state machine's transition graph (§4.7).
type SystemState string

const (
	StateInitializing SystemState = "initializing"
	StateIdle         SystemState = "idle"
	StateRunning       SystemState = "running"
	StatePaused        SystemState = "paused"
	StateMaintenance   SystemState = "maintenance"
	StateError         SystemState = "error"
	StateRecovering    SystemState = "recovering"
	StateShuttingDown  SystemState = "shutting_down"
	StateShutdown      SystemState = "shutdown"
)

// FaultSeverity ranks a Fault for alerting and dashboard display.
type FaultSeverity string

const (
	SeverityInfo     FaultSeverity = "info"
	SeverityWarn     FaultSeverity = "warn"
	SeverityError    FaultSeverity = "error"
	SeverityCritical FaultSeverity = "critical"
)

// FaultKind is the closed taxonomy of recoverable error conditions (§7).
type FaultKind string

const (
	FaultCameraFailure    FaultKind = "camera_failure"
	FaultAIModelFailure   FaultKind = "ai_model_failure"
	FaultHardwareFailure  FaultKind = "hardware_failure"
	FaultSensorFailure    FaultKind = "sensor_failure"
	FaultBeltFailure      FaultKind = "belt_failure"
	FaultBinFull          FaultKind = "bin_full"
	FaultMemoryLeak       FaultKind = "memory_leak"
	FaultHighTemperature  FaultKind = "high_temperature"
	FaultEStop            FaultKind = "e_stop"
	FaultConfigInvalid    FaultKind = "config_invalid"
)

// Fault is one coalesced record of a (kind, component) failure.
// A new occurrence while cooldown is active increments Count rather than
// creating a new record.
type Fault struct {
	Kind          FaultKind
	Component     string
	Severity      FaultSeverity
	FirstTS       time.Duration
	LastTS        time.Duration
	Count         int
	LastRecovery  time.Duration
	HasRecovery   bool
	Message       string
}

// MetricsSnapshot is one periodic sample of system-wide throughput and
// resource figures. Produced every metrics_interval_s and ring-buffered.
type MetricsSnapshot struct {
	WallTS            time.Duration
	ItemsProcessed    uint64
	ItemsPerMinute    float64
	AvgConfidence     float64
	ErrorRate         float64
	PerCategoryCounts map[Category]uint64
	CPUPct            float64
	MemPct            float64
	TempC             float64
}

// MaintenanceRecord tracks one EnterMaintenance/ExitMaintenance session
// for a diverter, supplementing the distilled spec's data model with the
// original system's maintenance-history reporting.
type MaintenanceRecord struct {
	DiverterHandle string
	OpenedTS       time.Duration
	ClosedTS       time.Duration
	HasClosed      bool
	Operator       string
	Note           string
}

// ComponentHealth is a leaf-component health summary used by both the
// `running` transition guard and the status surface.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Detail  string
}

// SystemSnapshot is the materialized response body of GetStatus().
type SystemSnapshot struct {
	State         SystemState
	Uptime        time.Duration
	ConfigVersion string
	Components    []ComponentHealth
}
