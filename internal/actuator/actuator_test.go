package actuator

import (
	"testing"
	"time"

	"github.com/chele-s/ecosort-core/internal/clock"
)

func TestOnOffActivatePulsesPin(t *testing.T) {
	gpio := NewFakeGPIO()
	clk := clock.NewVirtualClock()
	a := NewOnOff("metal", 5, true, 0, gpio, clk, nil)

	done := make(chan error, 1)
	go func() { done <- a.Activate(0.3) }()

	// Let the activate goroutine register its timer.
	time.Sleep(10 * time.Millisecond)
	clk.Advance(300 * time.Millisecond)

	if err := <-done; err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if gpio.Line(5) {
		t.Fatal("pin should be released (low) after activation completes")
	}
	status := a.Status()
	if status.OpCount != 1 {
		t.Fatalf("expected op_count=1, got %d", status.OpCount)
	}
}

func TestOnOffRejectsConcurrentActivation(t *testing.T) {
	gpio := NewFakeGPIO()
	clk := clock.NewVirtualClock()
	a := NewOnOff("metal", 5, true, 0, gpio, clk, nil)

	started := make(chan struct{})
	go func() {
		close(started)
		_ = a.Activate(1.0)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	if err := a.Activate(1.0); err != ErrActivationInFlight {
		t.Fatalf("expected ErrActivationInFlight, got %v", err)
	}
}

func TestOnOffMaintenanceCallbackAtMaxOps(t *testing.T) {
	gpio := NewFakeGPIO()
	clk := clock.NewVirtualClock()
	var flagged string
	a := NewOnOff("glass", 6, true, 2, gpio, clk, func(handle string) { flagged = handle })

	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		go func() { done <- a.Activate(0.1) }()
		time.Sleep(5 * time.Millisecond)
		clk.Advance(100 * time.Millisecond)
		if err := <-done; err != nil {
			t.Fatalf("activation %d failed: %v", i, err)
		}
	}
	if flagged != "glass" {
		t.Fatalf("expected maintenance callback for glass, got %q", flagged)
	}
}

func TestPinClaimRejectsDuplicate(t *testing.T) {
	c := NewPinClaim()
	if err := c.Claim(17, "camera_trigger"); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	if err := c.Claim(17, "bin_sensor_echo"); err == nil {
		t.Fatal("expected duplicate claim to be rejected")
	}
}

func TestStepperReturnToHomeWaitsForCompletion(t *testing.T) {
	gpio := NewFakeGPIO()
	clk := clock.NewVirtualClock()
	s := NewStepper(StepperConfig{
		Handle: "metal", StepPin: 1, DirPin: 2, EnablePin: 3,
		Direction: 1, StepsPerActivation: 2, ReturnToHome: true,
		StartDelay: time.Millisecond, MinDelay: time.Millisecond, RampSteps: 0,
	}, gpio, clk, nil)

	done := make(chan error, 1)
	go func() { done <- s.Activate(0) }()

	for i := 0; i < 4; i++ {
		time.Sleep(5 * time.Millisecond)
		clk.Advance(time.Millisecond)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Activate returned error: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Activate did not complete (return-to-home should finish within the forward+reverse pulse count)")
	}
	if s.Status().OpCount != 1 {
		t.Fatalf("expected op_count=1, got %d", s.Status().OpCount)
	}
}
