//go:build !linux

// Non-Linux hardware factory: the control-plane logic, scheduler and
// state machine all run identically on a developer workstation, backed
// by in-memory stand-ins for the GPIO/PWM/ultrasonic hardware seams —
// the same role actuator.FakeGPIO plays in that package's own tests,
// lifted here so the orchestrator builds and runs off-target.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/chele-s/ecosort-core/internal/actuator"
	"github.com/chele-s/ecosort-core/internal/belt"
	"github.com/chele-s/ecosort-core/internal/sensor"
)

func newSharedGPIO(chipPath string) (actuator.GPIOWriter, error) {
	return actuator.NewFakeGPIO(), nil
}

type stubPinReader struct{}

func (stubPinReader) Read(ctx context.Context) (bool, time.Duration, error) {
	<-ctx.Done()
	return false, 0, ctx.Err()
}

func newPinReader(chipPath string, pinBCM int) (sensor.PinReader, error) {
	return stubPinReader{}, nil
}

type stubEcho struct {
	mu   sync.Mutex
	dist float64
}

func (e *stubEcho) Ping(ctx context.Context, timeout time.Duration) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dist, nil
}

func newEchoReader(chipPath string, triggerPinBCM, echoPinBCM int) (sensor.EchoReader, error) {
	return &stubEcho{dist: 0}, nil
}

type stubPWM struct {
	mu   sync.Mutex
	duty float64
}

func (p *stubPWM) SetDutyCycle(frac float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty = frac
	return nil
}

func newPWM(chipPath string, channel, frequencyHz int) (belt.PWMWriter, error) {
	return &stubPWM{}, nil
}
