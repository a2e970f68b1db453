//go:build linux

// Production PinReader/EchoReader backed by a Linux gpiochip character
// device, using the same GPIOHANDLE ioctl family actuator/gpio_linux.go
// uses for output lines — here requested as an input (edge sensor) or
// as a trigger-output/echo-input pair (ultrasonic).
package sensor

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	gpioHandleRequestIoctl   = 0xc16cb403 // _IOWR(0xB4, 0x03, gpiohandle_request)
	gpioGetLineValuesIoctl  = 0xc040b408 // _IOWR(0xB4, 0x08, gpiohandle_data)
	gpioSetLineValuesIoctl  = 0xc040b409 // _IOWR(0xB4, 0x09, gpiohandle_data)
	gpioV2LineFlagInput      = 1 << 0
	gpioV2LineFlagOutput     = 1 << 1
	pollInterval             = 200 * time.Microsecond
)

type gpiohandleRequest struct {
	LineOffsets   [64]uint32
	Flags         uint32
	DefaultVals   [64]uint8
	ConsumerLabel [32]byte
	Lines         uint32
	FD            int32
}

type gpiohandleData struct {
	Values [64]uint8
}

func requestLine(chipFD, pinBCM int, flags uint32, label string) (int, error) {
	req := gpiohandleRequest{Flags: flags, Lines: 1}
	req.LineOffsets[0] = uint32(pinBCM)
	copy(req.ConsumerLabel[:], label)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(chipFD),
		uintptr(gpioHandleRequestIoctl), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return 0, fmt.Errorf("sensor: GPIOHANDLE_GET_LINE_HANDLE_IOCTL pin %d: %w", pinBCM, errno)
	}
	return int(req.FD), nil
}

func readLine(lineFD int) (bool, error) {
	data := gpiohandleData{}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(lineFD),
		uintptr(gpioGetLineValuesIoctl), uintptr(unsafe.Pointer(&data))); errno != 0 {
		return false, fmt.Errorf("sensor: GPIOHANDLE_GET_LINE_VALUES_IOCTL: %w", errno)
	}
	return data.Values[0] != 0, nil
}

// LinuxPinReader polls a single input line for level changes, reporting
// the transition as a rising/falling edge. Polling rather than epoll on
// a line-event fd keeps this symmetric with actuator's handle-request
// approach and avoids a second ioctl family for a debounce window this
// short.
type LinuxPinReader struct {
	chipFD  int
	lineFD  int
	lastVal bool
	haveVal bool
}

// NewLinuxPinReader opens chipPath and requests pinBCM as an input line.
func NewLinuxPinReader(chipPath string, pinBCM int) (*LinuxPinReader, error) {
	fd, err := unix.Open(chipPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("sensor: open %s: %w", chipPath, err)
	}
	lineFD, err := requestLine(fd, pinBCM, gpioV2LineFlagInput, "ecosort")
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &LinuxPinReader{chipFD: fd, lineFD: lineFD}, nil
}

// Read blocks, polling at pollInterval, until the line value changes or
// ctx is cancelled.
func (r *LinuxPinReader) Read(ctx context.Context) (rising bool, ts time.Duration, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		default:
		}

		val, err := readLine(r.lineFD)
		if err != nil {
			return false, 0, err
		}
		if !r.haveVal {
			r.lastVal = val
			r.haveVal = true
		}
		if val != r.lastVal {
			rising := val && !r.lastVal
			r.lastVal = val
			return rising, time.Duration(time.Now().UnixNano()), nil
		}
		time.Sleep(pollInterval)
	}
}

// Close releases the line and chip file descriptors.
func (r *LinuxPinReader) Close() error {
	_ = unix.Close(r.lineFD)
	return os.NewFile(uintptr(r.chipFD), "").Close()
}

// LinuxEcho drives a trigger pin high for a short pulse and times how
// long the echo pin stays high, the standard HC-SR04-style ultrasonic
// ranging sequence.
type LinuxEcho struct {
	chipFD            int
	triggerFD, echoFD int
}

// NewLinuxEcho opens chipPath and requests triggerPin as output, echoPin as input.
func NewLinuxEcho(chipPath string, triggerPinBCM, echoPinBCM int) (*LinuxEcho, error) {
	fd, err := unix.Open(chipPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("sensor: open %s: %w", chipPath, err)
	}
	triggerFD, err := requestLine(fd, triggerPinBCM, gpioV2LineFlagOutput, "ecosort")
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	echoFD, err := requestLine(fd, echoPinBCM, gpioV2LineFlagInput, "ecosort")
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &LinuxEcho{chipFD: fd, triggerFD: triggerFD, echoFD: echoFD}, nil
}

func (e *LinuxEcho) setTrigger(high bool) error {
	data := gpiohandleData{}
	if high {
		data.Values[0] = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.triggerFD),
		uintptr(gpioSetLineValuesIoctl), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return fmt.Errorf("sensor: set trigger: %w", errno)
	}
	return nil
}

// Ping pulses the trigger line for 10us, then measures how long the echo
// line stays high, converting the round-trip into centimeters at the
// speed of sound (343 m/s).
func (e *LinuxEcho) Ping(ctx context.Context, timeout time.Duration) (distanceCM float64, err error) {
	if err := e.setTrigger(true); err != nil {
		return 0, err
	}
	time.Sleep(10 * time.Microsecond)
	if err := e.setTrigger(false); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(timeout)
	for {
		val, err := readLine(e.echoFD)
		if err != nil {
			return 0, err
		}
		if val {
			break
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("sensor: echo start timeout")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}

	start := time.Now()
	for {
		val, err := readLine(e.echoFD)
		if err != nil {
			return 0, err
		}
		if !val {
			break
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("sensor: echo hold timeout")
		}
	}
	elapsed := time.Since(start)

	const speedOfSoundCmPerSec = 34300.0
	return elapsed.Seconds() * speedOfSoundCmPerSec / 2, nil
}

// Close releases the trigger/echo line and chip file descriptors.
func (e *LinuxEcho) Close() error {
	_ = unix.Close(e.triggerFD)
	_ = unix.Close(e.echoFD)
	return os.NewFile(uintptr(e.chipFD), "").Close()
}
