//go:build linux

// Production PWMWriter backed by the Linux sysfs PWM interface
// (/sys/class/pwm/pwmchipN), the standard non-ioctl path for PWM
// control on single-board Linux hosts — unlike the GPIO line handles
// actuator/gpio_linux.go drives, PWM channels are configured through
// sysfs attribute files rather than a character device ioctl.
package belt

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// SysfsPWM drives one exported PWM channel through its sysfs attribute
// files. periodNS is fixed at construction (from pwm_frequency_hz);
// SetDutyCycle only ever rewrites duty_cycle.
type SysfsPWM struct {
	chipPath string
	periodNS int64
}

// NewSysfsPWM exports channel on chipPath (e.g. "/sys/class/pwm/pwmchip0")
// at frequencyHz and enables it.
func NewSysfsPWM(chipPath string, channel int, frequencyHz int) (*SysfsPWM, error) {
	if frequencyHz <= 0 {
		return nil, fmt.Errorf("belt: pwm frequency must be > 0, got %d", frequencyHz)
	}
	periodNS := int64(1e9 / frequencyHz)
	p := &SysfsPWM{chipPath: filepath.Join(chipPath, "pwm"+strconv.Itoa(channel)), periodNS: periodNS}

	exportPath := filepath.Join(chipPath, "export")
	if _, err := os.Stat(p.chipPath); os.IsNotExist(err) {
		if werr := os.WriteFile(exportPath, []byte(strconv.Itoa(channel)), 0o200); werr != nil {
			return nil, fmt.Errorf("belt: export pwm channel %d: %w", channel, werr)
		}
	}
	if err := p.writeAttr("period", periodNS); err != nil {
		return nil, err
	}
	if err := p.writeAttr("enable", 1); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SysfsPWM) writeAttr(name string, v int64) error {
	path := filepath.Join(p.chipPath, name)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(v, 10)), 0o200); err != nil {
		return fmt.Errorf("belt: write %s: %w", path, err)
	}
	return nil
}

// SetDutyCycle writes duty_cycle as a fraction of the fixed period.
func (p *SysfsPWM) SetDutyCycle(frac float64) error {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	dutyNS := int64(frac * float64(p.periodNS))
	return p.writeAttr("duty_cycle", dutyNS)
}

// Close disables the PWM channel. Does not unexport it — leaving the
// export in place avoids the re-export race on a quick restart.
func (p *SysfsPWM) Close() error {
	return p.writeAttr("enable", 0)
}
