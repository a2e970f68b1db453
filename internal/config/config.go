// Package config provides configuration loading, validation, and hot-reload
// for the sorter core.
//
// Configuration file: /etc/ecosort/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Orchestrator listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (distances, speeds, thresholds,
//     log level) at the next scheduling decision.
//   - Destructive changes (DB path, GPIO pin assignments, socket paths)
//     require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The orchestrator does NOT crash on invalid
//     hot-reload config.
//
// Validation:
//   - Numeric ranges enforced (e.g., min_confidence ∈ [0,1], speeds ≥ 0).
//   - The storage db_path must be non-empty; other fields are not checked
//     for presence, and file paths are not required to be absolute.
//   - Invalid config on startup: orchestrator refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chele-s/ecosort-core/internal/model"
)

// Version, GitCommit, BuildTime can be set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the sorter core.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this sorter installation in the ledger and
	// telemetry envelopes. Default: hostname.
	NodeID string `yaml:"node_id"`

	System     SystemSettings           `yaml:"system_settings"`
	Camera     CameraSettings           `yaml:"camera_settings"`
	AIModel    AIModelSettings          `yaml:"ai_model_settings"`
	Belt       ConveyorBeltSettings     `yaml:"conveyor_belt_settings"`
	Sensors    SensorsSettings          `yaml:"sensors_settings"`
	Diverters  DiverterControlSettings  `yaml:"diverter_control_settings"`
	Safety     SafetySettings           `yaml:"safety_settings"`
	Monitoring MonitoringSettings       `yaml:"monitoring_settings"`
	Storage    StorageSettings          `yaml:"storage"`
	Control    ControlSettings          `yaml:"control"`
	Obs        ObservabilitySettings    `yaml:"observability"`
}

// SystemSettings holds system-wide recovery and retention parameters.
type SystemSettings struct {
	ErrorRecoveryEnabled bool          `yaml:"error_recovery_enabled"`
	MaxProcessingErrors  int           `yaml:"max_processing_errors"`
	AutoRestartOnError   bool          `yaml:"auto_restart_on_error"`
	MaxRestartAttempts   int           `yaml:"max_restart_attempts"`
	RestartDelayS        time.Duration `yaml:"restart_delay_s"`
	DataRetentionDays    int           `yaml:"data_retention_days"`
}

// CameraSettings configures the (externally driven) capture front-end.
type CameraSettings struct {
	Index         int      `yaml:"index"`
	FrameWidth    int      `yaml:"frame_width"`
	FrameHeight   int      `yaml:"frame_height"`
	FPS           int      `yaml:"fps"`
	WarmupFrames  int      `yaml:"warmup_frames"`
	BackupCameras []int    `yaml:"backup_cameras"`
	AutoRecovery  bool     `yaml:"auto_recovery"`
}

// AIModelSettings configures the classifier client.
type AIModelSettings struct {
	ModelPath          string            `yaml:"model_path"`
	BackupModelPath    string            `yaml:"backup_model_path"`
	Endpoint           string            `yaml:"endpoint"` // HTTP inference server, e.g. "http://127.0.0.1:8501/v1/classify"
	MinConfidence      float64           `yaml:"min_confidence"`
	FallbackCategory   model.Category    `yaml:"fallback_category"`
	ClassMapping       map[string]string `yaml:"class_mapping"`
	MaxInferenceTimeMS time.Duration     `yaml:"max_inference_time_ms"`
}

// ConveyorBeltSettings configures the belt controller and the
// camera-to-diverter geometry the scheduler uses to compute travel time.
type ConveyorBeltSettings struct {
	BeltSpeedMps                  float64                     `yaml:"belt_speed_mps"`
	DistanceCameraToDivertersM    map[model.Category]float64  `yaml:"distance_camera_to_diverters_m"`
	DiverterActivationDurationS   map[model.Category]float64  `yaml:"diverter_activation_duration_s"`
	PWMFrequencyHz                int                         `yaml:"pwm_frequency_hz"`
	MinDutyCycle                  float64                     `yaml:"min_duty_cycle"`
	MaxDutyCycle                  float64                     `yaml:"max_duty_cycle"`
	AccelTimeS                    float64                     `yaml:"accel_time_s"`
	DecelTimeS                    float64                     `yaml:"decel_time_s"`
	EmergencyStopPinBCM           int                         `yaml:"emergency_stop_pin_bcm"`
}

// SensorsSettings configures the edge and ultrasonic sensors.
type SensorsSettings struct {
	CameraTrigger    CameraTriggerSensorConfig            `yaml:"camera_trigger_sensor"`
	BinLevelSensors  map[model.Category]BinLevelSensorConfig `yaml:"bin_level_sensors"`
}

// CameraTriggerSensorConfig configures the item-detect edge sensor.
type CameraTriggerSensorConfig struct {
	PinBCM         int           `yaml:"pin_bcm"`
	TriggerMode    string        `yaml:"trigger_mode"` // rising|falling|both
	DebounceTimeMS time.Duration `yaml:"debounce_time_ms"`
}

// BinLevelSensorConfig configures one category's ultrasonic bin sensor.
type BinLevelSensorConfig struct {
	TriggerPinBCM     int           `yaml:"trigger_pin_bcm"`
	EchoPinBCM        int           `yaml:"echo_pin_bcm"`
	EmptyDistanceCM   float64       `yaml:"empty_distance_cm"`
	FullDistanceCM    float64       `yaml:"full_distance_cm"`
	FullPercent       float64       `yaml:"full_percent"`
	CriticalPercent   float64       `yaml:"critical_percent"`
	SmoothingSamples  int           `yaml:"smoothing_samples"`
	UpdateIntervalS   time.Duration `yaml:"update_interval_s"`
	MeasurementTimeoutS time.Duration `yaml:"measurement_timeout_s"`
}

// DiverterControlSettings configures per-category diverters and the
// global congestion/fault-tolerance policy shared by all of them.
type DiverterControlSettings struct {
	Diverters      map[model.Category]DiverterConfig `yaml:"diverters"`
	GlobalSettings DiverterGlobalSettings             `yaml:"global_settings"`
}

// DiverterConfig describes one category's physical diverter.
type DiverterConfig struct {
	Type                 model.DiverterType `yaml:"type"`
	StepPinBCM           int                `yaml:"step_pin_bcm"`
	DirPinBCM            int                `yaml:"dir_pin_bcm"`
	EnablePinBCM         int                `yaml:"enable_pin_bcm"`
	OnOffPinBCM          int                `yaml:"on_off_pin_bcm"`
	ActiveHigh           bool               `yaml:"active_high"`
	StepsPerActivation   int                `yaml:"steps_per_activation"`
	ActivationDirection  int                `yaml:"activation_direction"` // +1 or -1
	ReturnToHome         bool               `yaml:"return_to_home"`
	ActivationDurationS  float64            `yaml:"activation_duration_s"`
	ActivationLeadS      float64            `yaml:"activation_lead_s"`
	StartDelayUS         int                `yaml:"start_delay_us"`
	MinDelayUS           int                `yaml:"min_delay_us"`
	RampingAccelSteps    int                `yaml:"ramping_accel_steps"`
	MaxOperations        uint64             `yaml:"maintenance_max_operations"`
}

// DiverterGlobalSettings configures congestion control and fault
// tolerance shared across all diverters.
type DiverterGlobalSettings struct {
	SimultaneousActivations     bool          `yaml:"simultaneous_activations"`
	TimeoutBetweenActivationsMS time.Duration `yaml:"timeout_between_activations_ms"`
	MaxConsecutiveFailures      int           `yaml:"fault_tolerance_max_consecutive_failures"`
	FailureRecoveryDelayS       time.Duration `yaml:"fault_tolerance_failure_recovery_delay_s"`
	AutoDisableOnFault          bool          `yaml:"fault_tolerance_auto_disable_on_fault"`
}

// SafetySettings configures the E-stop loop and operational limits watchdog.
type SafetySettings struct {
	EmergencyStopEnabled  bool               `yaml:"emergency_stop_enabled"`
	MaxFailedAttempts     int                `yaml:"max_failed_attempts"`
	LockoutDurationMin    time.Duration      `yaml:"lockout_duration_minutes"`
	PauseGraceS           float64            `yaml:"pause_grace_s"`
	FireGraceS            float64            `yaml:"fire_grace_s"`
	OperationalLimits     OperationalLimits  `yaml:"operational_limits"`
	HysteresisSamples     int                `yaml:"hysteresis_samples"`
	HysteresisMarginPct   float64            `yaml:"hysteresis_margin_pct"`
}

// OperationalLimits are the hard/critical resource thresholds the
// limits watchdog enforces.
type OperationalLimits struct {
	MaxContinuousRuntimeHours float64 `yaml:"max_continuous_runtime_hours"`
	MaxObjectsPerHour         int     `yaml:"max_objects_per_hour"`
	MaxTemperatureCelsius     float64 `yaml:"max_temperature_celsius"`
}

// MonitoringSettings configures metrics cadence and alert thresholds.
type MonitoringSettings struct {
	MetricsIntervalS        time.Duration         `yaml:"metrics_interval_s"`
	PerformanceMonitoring   PerformanceAlerts     `yaml:"performance_monitoring"`
}

// PerformanceAlerts are the alert thresholds surfaced by the limits
// watchdog and folded into Prometheus metrics.
type PerformanceAlerts struct {
	CPUPctWarn          float64 `yaml:"cpu_pct_warn"`
	CPUPctCritical      float64 `yaml:"cpu_pct_critical"`
	MemPctWarn          float64 `yaml:"mem_pct_warn"`
	MemPctCritical      float64 `yaml:"mem_pct_critical"`
	TempCWarn           float64 `yaml:"temp_c_warn"`
	TempCCritical       float64 `yaml:"temp_c_critical"`
	ProcessingTimeMSWarn float64 `yaml:"processing_time_ms_warn"`
	ErrorRateWarn       float64 `yaml:"error_rate_warn"`
}

// StorageSettings configures the bbolt-backed ledger.
type StorageSettings struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ControlSettings configures the operator control surfaces.
type ControlSettings struct {
	SocketPath      string        `yaml:"socket_path"`
	SocketEnabled   bool          `yaml:"socket_enabled"`
	HTTPAddr        string        `yaml:"http_addr"`
	HTTPEnabled     bool          `yaml:"http_enabled"`
	HealthCheckTimeoutS time.Duration `yaml:"health_check_timeout_s"`
	MaxShutdownDrainS   time.Duration `yaml:"max_shutdown_drain_s"`
}

// ObservabilitySettings configures metrics and logging.
type ObservabilitySettings struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// DefaultDBPath is the default storage.db_path used by Defaults.
const DefaultDBPath = "/var/lib/ecosort/ecosort.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		System: SystemSettings{
			ErrorRecoveryEnabled: true,
			MaxProcessingErrors:  50,
			AutoRestartOnError:   true,
			MaxRestartAttempts:   5,
			RestartDelayS:        10 * time.Second,
			DataRetentionDays:    30,
		},
		Camera: CameraSettings{
			Index: 0, FrameWidth: 1280, FrameHeight: 720, FPS: 30, WarmupFrames: 5,
			AutoRecovery: true,
		},
		AIModel: AIModelSettings{
			Endpoint:           "http://127.0.0.1:8501/v1/classify",
			MinConfidence:      0.6,
			FallbackCategory:   model.CategoryOther,
			MaxInferenceTimeMS: 200 * time.Millisecond,
		},
		Belt: ConveyorBeltSettings{
			BeltSpeedMps: 0.15,
			DistanceCameraToDivertersM: map[model.Category]float64{
				model.CategoryMetal: 0.60, model.CategoryPlastic: 0.80,
				model.CategoryGlass: 1.00, model.CategoryCarton: 1.20, model.CategoryOther: 1.40,
			},
			DiverterActivationDurationS: map[model.Category]float64{
				model.CategoryMetal: 0.3, model.CategoryPlastic: 0.3,
				model.CategoryGlass: 0.3, model.CategoryCarton: 0.3, model.CategoryOther: 0.3,
			},
			PWMFrequencyHz: 1000, MinDutyCycle: 0.2, MaxDutyCycle: 1.0,
			AccelTimeS: 1.5, DecelTimeS: 1.5, EmergencyStopPinBCM: 21,
		},
		Sensors: SensorsSettings{
			CameraTrigger: CameraTriggerSensorConfig{
				PinBCM: 17, TriggerMode: "rising", DebounceTimeMS: 30 * time.Millisecond,
			},
		},
		Diverters: DiverterControlSettings{
			GlobalSettings: DiverterGlobalSettings{
				SimultaneousActivations:     false,
				TimeoutBetweenActivationsMS: 200 * time.Millisecond,
				MaxConsecutiveFailures:      3,
				FailureRecoveryDelayS:       15 * time.Second,
				AutoDisableOnFault:          true,
			},
		},
		Safety: SafetySettings{
			EmergencyStopEnabled: true,
			MaxFailedAttempts:    3,
			LockoutDurationMin:   5 * time.Minute,
			PauseGraceS:          0.5,
			FireGraceS:           0.05,
			OperationalLimits: OperationalLimits{
				MaxContinuousRuntimeHours: 18,
				MaxObjectsPerHour:         3600,
				MaxTemperatureCelsius:     70,
			},
			HysteresisSamples:   3,
			HysteresisMarginPct: 5,
		},
		Monitoring: MonitoringSettings{
			MetricsIntervalS: 5 * time.Second,
			PerformanceMonitoring: PerformanceAlerts{
				CPUPctWarn: 80, CPUPctCritical: 95,
				MemPctWarn: 80, MemPctCritical: 95,
				TempCWarn: 60, TempCCritical: 70,
				ProcessingTimeMSWarn: 250, ErrorRateWarn: 0.05,
			},
		},
		Storage: StorageSettings{
			DBPath: DefaultDBPath, RetentionDays: 30,
		},
		Control: ControlSettings{
			SocketPath:          "/run/ecosort/control.sock",
			SocketEnabled:       true,
			HTTPAddr:            "127.0.0.1:9090",
			HTTPEnabled:         true,
			HealthCheckTimeoutS: 2 * time.Second,
			MaxShutdownDrainS:   5 * time.Second,
		},
		Obs: ObservabilitySettings{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Belt.BeltSpeedMps < 0 {
		errs = append(errs, fmt.Sprintf("conveyor_belt_settings.belt_speed_mps must be >= 0, got %f", cfg.Belt.BeltSpeedMps))
	}
	if cfg.AIModel.MinConfidence < 0.0 || cfg.AIModel.MinConfidence > 1.0 {
		errs = append(errs, fmt.Sprintf("ai_model_settings.min_confidence must be in [0.0, 1.0], got %f", cfg.AIModel.MinConfidence))
	}
	if cfg.AIModel.MaxInferenceTimeMS <= 0 {
		errs = append(errs, "ai_model_settings.max_inference_time_ms must be > 0")
	}
	if cfg.System.MaxRestartAttempts < 1 {
		errs = append(errs, fmt.Sprintf("system_settings.max_restart_attempts must be >= 1, got %d", cfg.System.MaxRestartAttempts))
	}
	if cfg.System.RestartDelayS < time.Second {
		errs = append(errs, fmt.Sprintf("system_settings.restart_delay_s must be >= 1s, got %s", cfg.System.RestartDelayS))
	}
	if cfg.System.DataRetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("system_settings.data_retention_days must be >= 1, got %d", cfg.System.DataRetentionDays))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Diverters.GlobalSettings.MaxConsecutiveFailures < 1 {
		errs = append(errs, "diverter_control_settings.global_settings.fault_tolerance_max_consecutive_failures must be >= 1")
	}
	if cfg.Diverters.GlobalSettings.FailureRecoveryDelayS < time.Second {
		errs = append(errs, "diverter_control_settings.global_settings.fault_tolerance_failure_recovery_delay_s must be >= 1s")
	}
	for cat, d := range cfg.Diverters.Diverters {
		if d.Type != model.DiverterStepper && d.Type != model.DiverterOnOff {
			errs = append(errs, fmt.Sprintf("diverter_control_settings.diverters.%s: unknown type %q", cat, d.Type))
		}
		if d.ActivationDurationS <= 0 {
			errs = append(errs, fmt.Sprintf("diverter_control_settings.diverters.%s: activation_duration_s must be > 0", cat))
		}
	}
	for cat, s := range cfg.Sensors.BinLevelSensors {
		if s.FullPercent <= 0 || s.FullPercent > 100 {
			errs = append(errs, fmt.Sprintf("sensors_settings.bin_level_sensors.%s: full_percent must be in (0,100]", cat))
		}
		if s.CriticalPercent < s.FullPercent {
			errs = append(errs, fmt.Sprintf("sensors_settings.bin_level_sensors.%s: critical_percent must be >= full_percent", cat))
		}
		if s.SmoothingSamples < 1 {
			errs = append(errs, fmt.Sprintf("sensors_settings.bin_level_sensors.%s: smoothing_samples must be >= 1", cat))
		}
	}
	if cfg.Safety.HysteresisSamples < 1 {
		errs = append(errs, "safety_settings.hysteresis_samples must be >= 1")
	}
	if cfg.Safety.OperationalLimits.MaxTemperatureCelsius <= 0 {
		errs = append(errs, "safety_settings.operational_limits.max_temperature_celsius must be > 0")
	}
	if cfg.Control.MaxShutdownDrainS <= 0 {
		errs = append(errs, "control.max_shutdown_drain_s must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
