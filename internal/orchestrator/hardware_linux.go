//go:build linux

// Linux hardware factory: wires the production GPIO/PWM backends. Kept
// in its own build-tagged file the same way actuator/gpio_linux.go and
// sensor/gpio_linux.go isolate their ioctl-level code from the rest of
// their packages, one layer up — the orchestrator needs a single seam
// it can call regardless of GOOS.
package orchestrator

import (
	"github.com/chele-s/ecosort-core/internal/actuator"
	"github.com/chele-s/ecosort-core/internal/belt"
	"github.com/chele-s/ecosort-core/internal/sensor"
)

func newSharedGPIO(chipPath string) (actuator.GPIOWriter, error) {
	return actuator.NewLinuxGPIO(chipPath)
}

func newPinReader(chipPath string, pinBCM int) (sensor.PinReader, error) {
	return sensor.NewLinuxPinReader(chipPath, pinBCM)
}

func newEchoReader(chipPath string, triggerPinBCM, echoPinBCM int) (sensor.EchoReader, error) {
	return sensor.NewLinuxEcho(chipPath, triggerPinBCM, echoPinBCM)
}

func newPWM(chipPath string, channel, frequencyHz int) (belt.PWMWriter, error) {
	return belt.NewSysfsPWM(chipPath, channel, frequencyHz)
}
