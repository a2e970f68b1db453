package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/actuator"
	"github.com/chele-s/ecosort-core/internal/belt"
	"github.com/chele-s/ecosort-core/internal/config"
	"github.com/chele-s/ecosort-core/internal/model"
	"github.com/chele-s/ecosort-core/internal/sensor"
)

func (o *Orchestrator) buildBelt(cfg *config.Config, deps Dependencies) error {
	pwm, err := newPWM(deps.pwmChip(), 0, cfg.Belt.PWMFrequencyHz)
	if err != nil {
		return fmt.Errorf("orchestrator: belt pwm: %w", err)
	}
	accel := time.Duration(cfg.Belt.AccelTimeS * float64(time.Second))
	decel := time.Duration(cfg.Belt.DecelTimeS * float64(time.Second))
	o.beltCtrl = belt.NewController(cfg.Belt.BeltSpeedMps, cfg.Belt.MinDutyCycle, cfg.Belt.MaxDutyCycle, accel, decel, pwm, o.clk, o.log)
	return nil
}

func (o *Orchestrator) buildDiverters(cfg *config.Config, deps Dependencies) error {
	gpio, err := newSharedGPIO(deps.gpioChip())
	if err != nil {
		return fmt.Errorf("orchestrator: diverter gpio: %w", err)
	}

	for cat, dcfg := range cfg.Diverters.Diverters {
		handle := string(cat)
		switch dcfg.Type {
		case model.DiverterOnOff:
			if err := o.pinClaim.Claim(dcfg.OnOffPinBCM, handle); err != nil {
				return err
			}
			a := actuator.NewOnOff(handle, dcfg.OnOffPinBCM, dcfg.ActiveHigh, dcfg.MaxOperations, gpio, o.clk, o.onDiverterMaintenance)
			if err := a.Initialize(); err != nil {
				return fmt.Errorf("orchestrator: initialize diverter %s: %w", handle, err)
			}
			o.diverters[cat] = a

		case model.DiverterStepper:
			for _, pin := range []int{dcfg.StepPinBCM, dcfg.DirPinBCM, dcfg.EnablePinBCM} {
				if err := o.pinClaim.Claim(pin, handle); err != nil {
					return err
				}
			}
			a := actuator.NewStepper(actuator.StepperConfig{
				Handle: handle, StepPin: dcfg.StepPinBCM, DirPin: dcfg.DirPinBCM, EnablePin: dcfg.EnablePinBCM,
				Direction: dcfg.ActivationDirection, StepsPerActivation: dcfg.StepsPerActivation,
				ReturnToHome: dcfg.ReturnToHome,
				StartDelay:   time.Duration(dcfg.StartDelayUS) * time.Microsecond,
				MinDelay:     time.Duration(dcfg.MinDelayUS) * time.Microsecond,
				RampSteps:    dcfg.RampingAccelSteps, MaxOps: dcfg.MaxOperations,
			}, gpio, o.clk, o.onDiverterMaintenance)
			if err := a.Initialize(); err != nil {
				return fmt.Errorf("orchestrator: initialize diverter %s: %w", handle, err)
			}
			o.diverters[cat] = a

		default:
			return fmt.Errorf("orchestrator: diverter %s: unknown type %q", handle, dcfg.Type)
		}
		o.divHandles[handle] = cat
	}
	return nil
}

func (o *Orchestrator) buildSensors(cfg *config.Config, deps Dependencies) error {
	tc := cfg.Sensors.CameraTrigger
	if err := o.pinClaim.Claim(tc.PinBCM, "camera_trigger"); err != nil {
		return err
	}
	triggerReader, err := newPinReader(deps.gpioChip(), tc.PinBCM)
	if err != nil {
		return fmt.Errorf("orchestrator: camera trigger sensor: %w", err)
	}
	o.trigger = sensor.NewEdgeSensor("camera_trigger", triggerReader, polarityFromString(tc.TriggerMode),
		tc.DebounceTimeMS, o.clk, o.log, 4, nil)

	estopPin := cfg.Belt.EmergencyStopPinBCM
	if err := o.pinClaim.Claim(estopPin, "emergency_stop"); err != nil {
		return err
	}
	estopReader, err := newPinReader(deps.gpioChip(), estopPin)
	if err != nil {
		return fmt.Errorf("orchestrator: e-stop sensor: %w", err)
	}
	o.estopSensor = sensor.NewEdgeSensor("emergency_stop", estopReader, sensor.PolarityBoth, 10*time.Millisecond, o.clk, o.log, 4, nil)

	for cat, sc := range cfg.Sensors.BinLevelSensors {
		handle := "bin." + string(cat)
		if err := o.pinClaim.Claim(sc.TriggerPinBCM, handle); err != nil {
			return err
		}
		if err := o.pinClaim.Claim(sc.EchoPinBCM, handle); err != nil {
			return err
		}
		echo, err := newEchoReader(deps.gpioChip(), sc.TriggerPinBCM, sc.EchoPinBCM)
		if err != nil {
			return fmt.Errorf("orchestrator: bin sensor %s: %w", cat, err)
		}
		o.binSensors[cat] = sensor.NewUltrasonic(handle, echo, sc.EmptyDistanceCM, sc.FullDistanceCM,
			sc.MeasurementTimeoutS, sc.SmoothingSamples, o.clk)
	}
	return nil
}

func polarityFromString(mode string) sensor.Polarity {
	switch mode {
	case "rising":
		return sensor.PolarityRising
	case "falling":
		return sensor.PolarityFalling
	default:
		return sensor.PolarityBoth
	}
}

func (o *Orchestrator) onDiverterMaintenance(handle string) {
	o.log.Warn("orchestrator: diverter reached maintenance operation threshold", zap.String("handle", handle))
	o.bus.Alert(model.FaultHardwareFailure, model.SeverityWarn, "diverter "+handle+" reached its maintenance operation threshold", handle)
}

func (d Dependencies) gpioChip() string {
	if d.GPIOChipPath == "" {
		return "/dev/gpiochip0"
	}
	return d.GPIOChipPath
}

func (d Dependencies) pwmChip() string {
	if d.PWMChipPath == "" {
		return "/sys/class/pwm/pwmchip0"
	}
	return d.PWMChipPath
}
