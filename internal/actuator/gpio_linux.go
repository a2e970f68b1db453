//go:build linux

// Production GPIOWriter backed by a Linux gpiochip character device,
// repurposing golang.org/x/sys/unix — the same low-level syscall
// dependency the teacher codebase used for capability manipulation —
// for GPIOHANDLE ioctls instead.
package actuator

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	gpioHandleRequestIoctl    = 0xc16cb403 // _IOWR(0xB4, 0x03, gpiohandle_request)
	gpioHandleSetLineValuesIoctl = 0xc040b409 // _IOWR(0xB4, 0x09, gpiohandle_data)
	gpioV2LineFlagOutput      = 1 << 1
)

// LinuxGPIO talks to /dev/gpiochipN via GPIOHANDLE ioctls. One instance
// serves every pin, requesting one line handle per pin it drives;
// exclusive pin ownership is enforced separately by PinClaim.
type LinuxGPIO struct {
	chipPath string
	fd       int
	lineFDs  map[int]int
}

// NewLinuxGPIO opens the given gpiochip device (e.g. "/dev/gpiochip0").
func NewLinuxGPIO(chipPath string) (*LinuxGPIO, error) {
	fd, err := unix.Open(chipPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("actuator: open %s: %w", chipPath, err)
	}
	return &LinuxGPIO{chipPath: chipPath, fd: fd, lineFDs: make(map[int]int)}, nil
}

type gpiohandleRequest struct {
	LineOffsets  [64]uint32
	Flags        uint32
	DefaultVals  [64]uint8
	ConsumerLabel [32]byte
	Lines        uint32
	FD           int32
}

type gpiohandleData struct {
	Values [64]uint8
}

// SetLine requests (once, lazily) and drives pinBCM high or low.
func (g *LinuxGPIO) SetLine(pinBCM int, high bool) error {
	lineFD, ok := g.lineFDs[pinBCM]
	if !ok {
		req := gpiohandleRequest{Flags: gpioV2LineFlagOutput, Lines: 1}
		req.LineOffsets[0] = uint32(pinBCM)
		copy(req.ConsumerLabel[:], "ecosort")

		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(g.fd),
			uintptr(gpioHandleRequestIoctl), uintptr(unsafe.Pointer(&req))); errno != 0 {
			return fmt.Errorf("actuator: GPIOHANDLE_GET_LINE_HANDLE_IOCTL pin %d: %w", pinBCM, errno)
		}
		lineFD = int(req.FD)
		g.lineFDs[pinBCM] = lineFD
	}

	data := gpiohandleData{}
	if high {
		data.Values[0] = 1
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(lineFD),
		uintptr(gpioHandleSetLineValuesIoctl), uintptr(unsafe.Pointer(&data))); errno != 0 {
		return fmt.Errorf("actuator: GPIOHANDLE_SET_LINE_VALUES_IOCTL pin %d: %w", pinBCM, errno)
	}
	return nil
}

// Close releases the chip and all requested line handles.
func (g *LinuxGPIO) Close() error {
	for _, fd := range g.lineFDs {
		_ = unix.Close(fd)
	}
	return os.NewFile(uintptr(g.fd), g.chipPath).Close()
}
