// Package belt drives the conveyor's PWM motor with ramped accel/decel
// and exposes the nominal belt speed the dispatch scheduler uses to
// compute travel time. Speed is treated as instantaneous at the nominal
// value while running; the scheduler never models transient speed
// during a ramp and refuses to schedule new fires outside running.
package belt

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
)

// State is one of the belt controller's five operational states.
type State string

const (
	StateStopped        State = "stopped"
	StateAccelerating    State = "accelerating"
	StateRunning         State = "running"
	StateDecelerating    State = "decelerating"
	StateEmergencyStop   State = "emergency_stop"
)

// PWMWriter is the hardware-access seam for the belt motor drive.
type PWMWriter interface {
	// SetDutyCycle drives the PWM output to frac ∈ [0,1]. 0 is motor off.
	SetDutyCycle(frac float64) error
}

// Controller is the belt's mutable runtime state, guarded by a single
// mutex the same way the teacher's ProcessState guards isolation state:
// exactly one writer, transitions checked centrally, and an emergency
// path that short-circuits straight past any in-progress ramp.
type Controller struct {
	mu            sync.Mutex
	state         State
	nominalSpeed  float64 // m/s, configured target speed while running
	minDuty, maxDuty float64
	accelTime, decelTime time.Duration
	pwm           PWMWriter
	clk           clock.Clock
	log           *zap.Logger

	rampGen uint64 // generation counter; a stale ramp goroutine becomes a no-op
}

// NewController constructs a stopped Controller.
func NewController(nominalSpeedMps, minDuty, maxDuty float64, accelTime, decelTime time.Duration, pwm PWMWriter, clk clock.Clock, log *zap.Logger) *Controller {
	return &Controller{
		state: StateStopped, nominalSpeed: nominalSpeedMps,
		minDuty: minDuty, maxDuty: maxDuty, accelTime: accelTime, decelTime: decelTime,
		pwm: pwm, clk: clk, log: log,
	}
}

// Start ramps the belt from stopped to running at targetSpeedMps.
func (c *Controller) Start(targetSpeedMps float64) error {
	c.mu.Lock()
	if c.state == StateEmergencyStop {
		c.mu.Unlock()
		return fmt.Errorf("belt: cannot start from emergency_stop, requires operator reset")
	}
	if c.state == StateRunning || c.state == StateAccelerating {
		c.mu.Unlock()
		return nil // already running/starting
	}
	c.nominalSpeed = targetSpeedMps
	c.state = StateAccelerating
	c.rampGen++
	gen := c.rampGen
	c.mu.Unlock()

	go c.ramp(gen, c.minDuty, c.maxDuty, c.accelTime, StateRunning)
	return nil
}

// Stop ramps the belt down to stopped.
func (c *Controller) Stop(ramped bool) error {
	c.mu.Lock()
	if c.state == StateEmergencyStop || c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	if !ramped {
		c.mu.Unlock()
		return c.haltImmediately()
	}
	c.state = StateDecelerating
	c.rampGen++
	gen := c.rampGen
	c.mu.Unlock()

	go c.ramp(gen, c.maxDuty, 0, c.decelTime, StateStopped)
	return nil
}

// Pause is equivalent to a ramped Stop that preserves the configured
// nominal speed for a subsequent Resume.
func (c *Controller) Pause() error { return c.Stop(true) }

// Resume restarts the belt at the previously configured nominal speed.
func (c *Controller) Resume() error {
	c.mu.Lock()
	speed := c.nominalSpeed
	c.mu.Unlock()
	return c.Start(speed)
}

// EmergencyStop is non-ramped: power off immediately, from any state.
func (c *Controller) EmergencyStop() error {
	c.mu.Lock()
	c.rampGen++ // invalidate any in-flight ramp goroutine
	c.state = StateEmergencyStop
	c.mu.Unlock()
	return c.haltImmediately()
}

func (c *Controller) haltImmediately() error {
	if err := c.pwm.SetDutyCycle(0); err != nil {
		return fmt.Errorf("belt: emergency power-off failed: %w", err)
	}
	return nil
}

// ResetAfterEStop clears emergency_stop back to stopped, for operator-
// acknowledged recovery. Does not itself restart the belt.
func (c *Controller) ResetAfterEStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEmergencyStop {
		c.state = StateStopped
	}
}

// State returns the current belt state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NominalSpeedMps returns the configured running speed, read by the
// scheduler under this same lock to avoid tearing during a hot-reload.
func (c *Controller) NominalSpeedMps() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return 0
	}
	return c.nominalSpeed
}

// ramp linearly interpolates duty cycle from startDuty to endDuty over
// d, then commits finalState — unless gen has been superseded by a
// newer Start/Stop/EmergencyStop call, in which case it is a no-op.
func (c *Controller) ramp(gen uint64, startDuty, endDuty float64, d time.Duration, finalState State) {
	const steps = 10
	stepDur := d / steps
	for i := 0; i <= steps; i++ {
		c.mu.Lock()
		if c.rampGen != gen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		frac := startDuty + (endDuty-startDuty)*float64(i)/float64(steps)
		if err := c.pwm.SetDutyCycle(frac); err != nil {
			c.log.Error("belt: pwm write failed during ramp", zap.Error(err))
			return
		}
		if i < steps {
			<-c.clk.After(stepDur)
		}
	}

	c.mu.Lock()
	if c.rampGen == gen {
		c.state = finalState
	}
	c.mu.Unlock()
}
