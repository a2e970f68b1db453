package sensor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
)

type scriptedReader struct {
	events []struct {
		rising bool
		ts     time.Duration
	}
	idx int
	ctx context.Context
}

func (r *scriptedReader) Read(ctx context.Context) (bool, time.Duration, error) {
	if r.idx >= len(r.events) {
		<-ctx.Done()
		return false, 0, ctx.Err()
	}
	e := r.events[r.idx]
	r.idx++
	return e.rising, e.ts, nil
}

func TestEdgeSensorDebounceCollapsesCloseEdges(t *testing.T) {
	reader := &scriptedReader{events: []struct {
		rising bool
		ts     time.Duration
	}{
		{true, 0},
		{true, 5 * time.Millisecond},  // inside debounce window, collapsed
		{true, 50 * time.Millisecond}, // outside window, kept
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewVirtualClock()
	log := zap.NewNop()
	s := NewEdgeSensor("trigger", reader, PolarityRising, 30*time.Millisecond, clk, log, 4, nil)
	ch := s.Run(ctx)

	var got []Edge
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for edge")
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 edges after debounce, got %d", len(got))
	}
	if got[0].TS != 0 || got[1].TS != 50*time.Millisecond {
		t.Fatalf("unexpected edge timestamps: %+v", got)
	}
}

func TestEdgeSensorCoalescesOnSlowConsumer(t *testing.T) {
	var dropped int64
	reader := &scriptedReader{events: []struct {
		rising bool
		ts     time.Duration
	}{
		{true, 0},
		{true, 100 * time.Millisecond},
		{true, 200 * time.Millisecond},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewVirtualClock()
	s := NewEdgeSensor("trigger", reader, PolarityRising, time.Millisecond, clk, zap.NewNop(), 1,
		func() { atomic.AddInt64(&dropped, 1) })
	ch := s.Run(ctx)

	time.Sleep(50 * time.Millisecond) // let all 3 events be produced before we ever read
	e := <-ch
	if e.TS != 200*time.Millisecond {
		t.Fatalf("expected the latest coalesced edge (200ms), got %v", e.TS)
	}
}

type fakeEchoReader struct{ distances []float64 }

func (f *fakeEchoReader) Ping(ctx context.Context, timeout time.Duration) (float64, error) {
	d := f.distances[0]
	if len(f.distances) > 1 {
		f.distances = f.distances[1:]
	}
	return d, nil
}

func TestUltrasonicMeasureInterpolatesFillFraction(t *testing.T) {
	clk := clock.NewVirtualClock()
	reader := &fakeEchoReader{distances: []float64{50}} // empty=100cm, full=0cm -> 50% fill
	u := NewUltrasonic("glass", reader, 100, 0, time.Second, 1, clk)

	frac, _, err := u.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure error: %v", err)
	}
	if frac < 0.49 || frac > 0.51 {
		t.Fatalf("expected ~0.5 fill fraction, got %f", frac)
	}
}

func TestUltrasonicMeasureClampsAndSmooths(t *testing.T) {
	clk := clock.NewVirtualClock()
	reader := &fakeEchoReader{distances: []float64{-10, -10, -10}} // below full distance -> clamp to 1.0
	u := NewUltrasonic("glass", reader, 100, 0, time.Second, 3, clk)

	var frac float64
	var err error
	for i := 0; i < 3; i++ {
		frac, _, err = u.Measure(context.Background())
		if err != nil {
			t.Fatalf("Measure error: %v", err)
		}
	}
	if frac != 1.0 {
		t.Fatalf("expected clamped fill fraction of 1.0, got %f", frac)
	}
}
