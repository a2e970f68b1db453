package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chele-s/ecosort-core/internal/clock"
)

// EchoReader is the hardware-access seam for one ultrasonic ping/echo
// cycle. The production implementation pulses the trigger pin and times
// the echo pin's high duration; tests inject synthetic distances.
type EchoReader interface {
	// Ping triggers a pulse and measures the echo, returning the raw
	// distance in centimeters, or an error on timeout.
	Ping(ctx context.Context, timeout time.Duration) (distanceCM float64, err error)
}

// smoother is the moving-average accumulator used to smooth raw
// ultrasonic readings, grounded in the same fixed-window-average shape
// the teacher used for its EWMA pressure accumulator — adapted here to
// a plain arithmetic moving average over smoothing_samples, which is
// what the spec asks for rather than exponential smoothing.
type smoother struct {
	mu      sync.Mutex
	window  []float64
	cap     int
	pos     int
	filled  bool
}

func newSmoother(samples int) *smoother {
	if samples < 1 {
		samples = 1
	}
	return &smoother{window: make([]float64, samples), cap: samples}
}

func (s *smoother) push(v float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window[s.pos] = v
	s.pos = (s.pos + 1) % s.cap
	if s.pos == 0 {
		s.filled = true
	}
	n := s.cap
	if !s.filled {
		n = s.pos
		if n == 0 {
			n = 1
		}
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += s.window[i]
	}
	return sum / float64(n)
}

// Ultrasonic is the polled bin-level sensor: pulses, measures echo with
// a hard timeout, smooths the reading, and translates distance to fill
// fraction by linear interpolation between emptyDistanceCM and
// fullDistanceCM.
type Ultrasonic struct {
	name            string
	reader          EchoReader
	emptyDistanceCM float64
	fullDistanceCM  float64
	timeout         time.Duration
	smoother        *smoother
	clk             clock.Clock
}

// NewUltrasonic constructs an Ultrasonic bin sensor.
func NewUltrasonic(name string, reader EchoReader, emptyCM, fullCM float64, timeout time.Duration, smoothingSamples int, clk clock.Clock) *Ultrasonic {
	return &Ultrasonic{
		name: name, reader: reader, emptyDistanceCM: emptyCM, fullDistanceCM: fullCM,
		timeout: timeout, smoother: newSmoother(smoothingSamples), clk: clk,
	}
}

// Measure performs one ping, smooths it against prior readings, and
// returns the resulting fill fraction in [0,1] (clamped).
func (u *Ultrasonic) Measure(ctx context.Context) (fillFraction float64, ts time.Duration, err error) {
	raw, err := u.reader.Ping(ctx, u.timeout)
	if err != nil {
		return 0, u.clk.Now(), fmt.Errorf("ultrasonic %s: %w", u.name, err)
	}
	smoothed := u.smoother.push(raw)

	span := u.emptyDistanceCM - u.fullDistanceCM
	var frac float64
	if span != 0 {
		frac = (u.emptyDistanceCM - smoothed) / span
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return frac, u.clk.Now(), nil
}
