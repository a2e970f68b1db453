// Package sensor provides the edge-triggered digital input abstraction
// (camera trigger, e-stop) and the polled ultrasonic bin-level sensor.
// Debouncing and smoothing happen here, not in callers.
//
// The edge reader reuses the ring-buffer-to-channel backpressure shape
// the teacher codebase used for kernel event ingestion: a dedicated
// goroutine reads raw pin transitions and dispatches onto a bounded
// channel with a non-blocking, metrics-counted drop policy — except
// here the policy is "coalesce" (the newest pending edge replaces an
// undelivered one) rather than outright drop, since a slow consumer of
// an edge sensor should still see the latest transition.
package sensor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
)

// Polarity is which electrical transition counts as "the" edge.
type Polarity string

const (
	PolarityRising  Polarity = "rising"
	PolarityFalling Polarity = "falling"
	PolarityBoth    Polarity = "both"
)

// Edge is one observed, debounced transition.
type Edge struct {
	TS    time.Duration
	Rising bool
}

// PinReader is the hardware-access seam for raw, undebounced pin
// transitions. The production implementation polls or epolls a Linux
// gpiochip line event fd; tests inject transitions synthetically.
type PinReader interface {
	// Read blocks until the next raw transition or ctx is done.
	Read(ctx context.Context) (rising bool, ts time.Duration, err error)
}

// EdgeSensor debounces a PinReader's raw transitions and publishes
// coalesced edges on a bounded channel.
type EdgeSensor struct {
	name     string
	reader   PinReader
	polarity Polarity
	debounce time.Duration
	clk      clock.Clock
	log      *zap.Logger

	out      chan Edge
	dropped  func() // metrics hook, called each time an undelivered edge is coalesced away
}

// NewEdgeSensor constructs an EdgeSensor. queueCap should be small (1-4);
// a consumer that can't keep up only ever needs the latest edge.
func NewEdgeSensor(name string, reader PinReader, polarity Polarity, debounce time.Duration, clk clock.Clock, log *zap.Logger, queueCap int, onDrop func()) *EdgeSensor {
	if queueCap < 1 {
		queueCap = 1
	}
	return &EdgeSensor{
		name: name, reader: reader, polarity: polarity, debounce: debounce,
		clk: clk, log: log, out: make(chan Edge, queueCap), dropped: onDrop,
	}
}

// Run starts the reader goroutine and returns the edge channel. The
// channel is closed when ctx is cancelled.
func (s *EdgeSensor) Run(ctx context.Context) <-chan Edge {
	go func() {
		defer close(s.out)
		var lastEdgeTS time.Duration
		haveLast := false

		for {
			rising, ts, err := s.reader.Read(ctx)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.log.Warn("sensor read error", zap.String("sensor", s.name), zap.Error(err))
					continue
				}
			}

			if !s.matchesPolarity(rising) {
				continue
			}

			if haveLast && ts-lastEdgeTS < s.debounce {
				continue // collapse: inside debounce window of the previous edge
			}
			lastEdgeTS = ts
			haveLast = true

			e := Edge{TS: ts, Rising: rising}
			select {
			case s.out <- e:
			default:
				// Coalesce: drop the stale pending edge, push the new one.
				select {
				case <-s.out:
				default:
				}
				select {
				case s.out <- e:
				default:
				}
				if s.dropped != nil {
					s.dropped()
				}
				s.log.Debug("edge coalesced", zap.String("sensor", s.name))
			}
		}
	}()
	return s.out
}

func (s *EdgeSensor) matchesPolarity(rising bool) bool {
	switch s.polarity {
	case PolarityRising:
		return rising
	case PolarityFalling:
		return !rising
	default:
		return true
	}
}
