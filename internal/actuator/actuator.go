// Package actuator provides the uniform GPIO actuator abstraction used by
// every diverter: Initialize/Activate/Home/Status/Shutdown, with stepper
// and on/off variants. GPIO access itself goes through the narrow
// GPIOWriter interface so hardware can be swapped for a fake in tests;
// the production implementation drives a Linux gpiochip character
// device via golang.org/x/sys/unix ioctls.
package actuator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chele-s/ecosort-core/internal/clock"
)

// ErrActivationInFlight is returned when Activate is called while a
// previous activation on the same actuator has not yet completed.
var ErrActivationInFlight = errors.New("actuator: activation already in flight")

// ErrDisabled is returned when Activate is called on a disabled actuator.
var ErrDisabled = errors.New("actuator: disabled")

// Status is a point-in-time snapshot of an actuator's operational counters.
type Status struct {
	Enabled    bool
	LastOpTS   time.Duration
	OpCount    uint64
	FaultCount uint64
}

// Actuator is the capability every diverter exposes regardless of its
// physical mechanism.
type Actuator interface {
	Initialize() error
	Activate(durationS float64) error
	Home() error
	Status() Status
	Shutdown()
}

// GPIOWriter is the narrow hardware-access seam. The production
// implementation wraps a Linux gpiochip line request; tests substitute
// an in-memory fake.
type GPIOWriter interface {
	// SetLine drives the named GPIO line (BCM numbering) high or low.
	SetLine(pinBCM int, high bool) error
}

// PinClaim is the startup-time exclusive-ownership registry shared by
// actuator, belt and sensor construction. A startup check refuses
// duplicate pin claims (§5); two sensors sharing a pin are rejected
// outright rather than silently serialized (§9 open question (c)).
type PinClaim struct {
	mu     sync.Mutex
	owners map[int]string
}

// NewPinClaim returns an empty claim registry.
func NewPinClaim() *PinClaim {
	return &PinClaim{owners: make(map[int]string)}
}

// Claim registers owner as the exclusive user of pinBCM. Returns an
// error naming the existing owner if the pin is already claimed.
func (c *PinClaim) Claim(pinBCM int, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.owners[pinBCM]; ok {
		return fmt.Errorf("pin %d already claimed by %q (requested by %q)", pinBCM, existing, owner)
	}
	c.owners[pinBCM] = owner
	return nil
}

// MaxOperationsFaultComponent is the component name used when a
// maintenance fault is raised for exceeding max operations.
const MaxOperationsFaultComponent = "actuator.maintenance"

// OnOff is the single-pin pulse actuator variant.
type OnOff struct {
	handle       string
	pin          int
	activeHigh   bool
	maxOps       uint64
	gpio         GPIOWriter
	clk          clock.Clock
	onMaintenance func(handle string)

	mu       sync.Mutex
	inFlight bool
	enabled  bool
	lastOp   time.Duration
	opCount  uint64
	faultCount uint64
}

// NewOnOff constructs an OnOff actuator. onMaintenance is called
// (best-effort, non-blocking) when op_count reaches maxOps; per §4.2 the
// actuator still activates, it merely reports for operator policy.
func NewOnOff(handle string, pin int, activeHigh bool, maxOps uint64, gpio GPIOWriter, clk clock.Clock, onMaintenance func(handle string)) *OnOff {
	return &OnOff{
		handle: handle, pin: pin, activeHigh: activeHigh, maxOps: maxOps,
		gpio: gpio, clk: clk, onMaintenance: onMaintenance, enabled: true,
	}
}

func (a *OnOff) Initialize() error {
	return a.gpio.SetLine(a.pin, !a.activeHigh)
}

func (a *OnOff) Activate(durationS float64) error {
	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return ErrActivationInFlight
	}
	if !a.enabled {
		a.mu.Unlock()
		return ErrDisabled
	}
	a.inFlight = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}()

	if err := a.gpio.SetLine(a.pin, a.activeHigh); err != nil {
		a.recordFault()
		return fmt.Errorf("actuator %s: assert pin: %w", a.handle, err)
	}
	<-a.clk.After(time.Duration(durationS * float64(time.Second)))
	if err := a.gpio.SetLine(a.pin, !a.activeHigh); err != nil {
		a.recordFault()
		return fmt.Errorf("actuator %s: release pin: %w", a.handle, err)
	}

	a.recordOp()
	return nil
}

func (a *OnOff) Home() error { return nil }

func (a *OnOff) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Enabled: a.enabled, LastOpTS: a.lastOp, OpCount: a.opCount, FaultCount: a.faultCount}
}

func (a *OnOff) Shutdown() {
	a.mu.Lock()
	a.enabled = false
	a.mu.Unlock()
}

func (a *OnOff) recordOp() {
	a.mu.Lock()
	a.opCount++
	a.lastOp = a.clk.Now()
	overMax := a.maxOps > 0 && a.opCount >= a.maxOps
	a.mu.Unlock()
	if overMax && a.onMaintenance != nil {
		a.onMaintenance(a.handle)
	}
}

func (a *OnOff) recordFault() {
	a.mu.Lock()
	a.faultCount++
	a.mu.Unlock()
}

// Stepper is the direction+step+enable pin actuator variant with a
// ramped step delay and optional return-to-home.
type Stepper struct {
	handle              string
	stepPin, dirPin, enablePin int
	direction           int
	stepsPerActivation  int
	returnToHome        bool
	startDelay, minDelay time.Duration
	rampSteps           int
	maxOps              uint64
	gpio                GPIOWriter
	clk                 clock.Clock
	onMaintenance       func(handle string)

	mu         sync.Mutex
	inFlight   bool
	enabled    bool
	lastOp     time.Duration
	opCount    uint64
	faultCount uint64
}

// StepperConfig groups Stepper construction parameters.
type StepperConfig struct {
	Handle             string
	StepPin, DirPin, EnablePin int
	Direction          int
	StepsPerActivation int
	ReturnToHome       bool
	StartDelay, MinDelay time.Duration
	RampSteps          int
	MaxOps             uint64
}

// NewStepper constructs a Stepper actuator from cfg.
func NewStepper(cfg StepperConfig, gpio GPIOWriter, clk clock.Clock, onMaintenance func(handle string)) *Stepper {
	return &Stepper{
		handle: cfg.Handle, stepPin: cfg.StepPin, dirPin: cfg.DirPin, enablePin: cfg.EnablePin,
		direction: cfg.Direction, stepsPerActivation: cfg.StepsPerActivation,
		returnToHome: cfg.ReturnToHome, startDelay: cfg.StartDelay, minDelay: cfg.MinDelay,
		rampSteps: cfg.RampSteps, maxOps: cfg.MaxOps, gpio: gpio, clk: clk,
		onMaintenance: onMaintenance, enabled: true,
	}
}

func (s *Stepper) Initialize() error {
	return s.gpio.SetLine(s.enablePin, false)
}

// Activate pulses stepsPerActivation steps in direction, then — per the
// resolved open question (a) — waits for the return-to-home pulse train
// to complete before releasing the in-flight lock, so the next trigger
// always sees a fully homed actuator.
func (s *Stepper) Activate(_ float64) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrActivationInFlight
	}
	if !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	if err := s.gpio.SetLine(s.enablePin, true); err != nil {
		s.recordFault()
		return fmt.Errorf("actuator %s: enable: %w", s.handle, err)
	}

	if err := s.pulseSteps(s.direction > 0); err != nil {
		s.recordFault()
		return err
	}
	if s.returnToHome {
		if err := s.pulseSteps(s.direction <= 0); err != nil {
			s.recordFault()
			return err
		}
	}

	if err := s.gpio.SetLine(s.enablePin, false); err != nil {
		s.recordFault()
		return fmt.Errorf("actuator %s: disable: %w", s.handle, err)
	}

	s.recordOp()
	return nil
}

func (s *Stepper) pulseSteps(forward bool) error {
	if err := s.gpio.SetLine(s.dirPin, forward); err != nil {
		return fmt.Errorf("actuator %s: set direction: %w", s.handle, err)
	}
	for i := 0; i < s.stepsPerActivation; i++ {
		if err := s.gpio.SetLine(s.stepPin, true); err != nil {
			return fmt.Errorf("actuator %s: step high: %w", s.handle, err)
		}
		<-s.clk.After(s.stepDelay(i))
		if err := s.gpio.SetLine(s.stepPin, false); err != nil {
			return fmt.Errorf("actuator %s: step low: %w", s.handle, err)
		}
	}
	return nil
}

// stepDelay linearly ramps from startDelay down to minDelay over the
// first rampSteps of the pulse train, then holds at minDelay.
func (s *Stepper) stepDelay(stepIndex int) time.Duration {
	if s.rampSteps <= 0 || stepIndex >= s.rampSteps {
		return s.minDelay
	}
	frac := float64(stepIndex) / float64(s.rampSteps)
	span := s.startDelay - s.minDelay
	return s.startDelay - time.Duration(frac*float64(span))
}

func (s *Stepper) Home() error {
	s.mu.Lock()
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()
	return s.pulseSteps(s.direction <= 0)
}

func (s *Stepper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Enabled: s.enabled, LastOpTS: s.lastOp, OpCount: s.opCount, FaultCount: s.faultCount}
}

func (s *Stepper) Shutdown() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
}

func (s *Stepper) recordOp() {
	s.mu.Lock()
	s.opCount++
	s.lastOp = s.clk.Now()
	overMax := s.maxOps > 0 && s.opCount >= s.maxOps
	s.mu.Unlock()
	if overMax && s.onMaintenance != nil {
		s.onMaintenance(s.handle)
	}
}

func (s *Stepper) recordFault() {
	s.mu.Lock()
	s.faultCount++
	s.mu.Unlock()
}
