// Package main — cmd/sorterbench/main.go
//
// Dispatch scheduler fire-jitter measurement tool.
//
// Measures the gap between a scheduled fire_ts and the wall-clock
// instant the scheduler actually invokes the diverter's Activate,
// across a synthetic stream of classified items on the real clock.
//
// Method:
//  1. Builds a Scheduler wired to an in-memory belt/bin/diverter/events
//     harness (no hardware).
//  2. Schedules n items at a fixed inter-arrival period, each routed to
//     the same category/diverter.
//  3. Each harness diverter Activate call records time.Since(fire_ts)
//     before returning.
//  4. Results are written to a CSV file and percentiles reported.
//
// Output CSV columns:
//   iteration, jitter_us
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/clock"
	"github.com/chele-s/ecosort-core/internal/dispatch"
	"github.com/chele-s/ecosort-core/internal/model"
)

const benchCategory = model.CategoryPlastic

func main() {
	iterations := flag.Int("iterations", 2000, "Number of dispatch cycles to measure")
	outputFile := flag.String("output", "jitter_raw.csv", "Output CSV file path")
	periodMs := flag.Int("period-ms", 20, "Inter-arrival period between items, in milliseconds")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "jitter_us"})

	log := zap.NewNop()
	epoch := time.Now()
	clk := clock.NewRealClock()

	h := newBenchHarness()
	sched := dispatch.NewScheduler(clk, h, h, dispatch.GlobalSettings{
		SimultaneousActivations: true, FireGrace: 200 * time.Millisecond,
	}, h, log)
	sched.RegisterDiverter("bench", h)
	sched.SetCategory(benchCategory, dispatch.CategoryParams{
		DiverterHandle: "bench", DistanceM: 1.0, ActivationDurationS: 0.1, ActivationLeadS: 0.0,
	})

	var (
		p99Bucket  [10001]int
		recordedMu sync.Mutex
		recorded   int
	)

	period := time.Duration(*periodMs) * time.Millisecond
	const travelM, speedMps, leadS = 1.0, 0.15, 0.0
	travel := time.Duration(travelM / speedMps * float64(time.Second))
	lead := time.Duration(leadS * float64(time.Second))

	for i := 0; i < *iterations; i++ {
		triggerTS := clk.Now()
		fireTS := triggerTS + travel - lead
		h.expectFire(epoch.Add(fireTS))
		item := model.Item{ID: uint64(i + 1), TriggerTS: triggerTS, Category: benchCategory, HasCategory: true}
		sched.Schedule(item)
		time.Sleep(period)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sched.PendingCount() > 0 {
		time.Sleep(50 * time.Millisecond)
	}

	for _, us := range h.drainJitters() {
		recordedMu.Lock()
		recorded++
		recordedMu.Unlock()
		clamped := us
		if clamped >= len(p99Bucket) {
			clamped = len(p99Bucket) - 1
		}
		p99Bucket[clamped]++
		_ = w.Write([]string{strconv.Itoa(recorded), strconv.Itoa(us)})
	}

	p50, p95, p99 := computePercentiles(p99Bucket[:], recorded)
	fmt.Printf("Dispatch Jitter Results (%d fires recorded of %d scheduled)\n", recorded, *iterations)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > 5000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds 5000µs target\n", p99)
		os.Exit(1)
	}
}

// benchHarness satisfies dispatch.BeltInfo, dispatch.BinInfo,
// dispatch.Events and dispatch.Diverter all at once, letting the
// scheduler run without any real belt, bin, or actuator.
type benchHarness struct {
	expected chan time.Time // FIFO of scheduled fire instants, one per Schedule call

	mu      sync.Mutex
	jitters []int

	activating atomic.Int64
}

func newBenchHarness() *benchHarness {
	return &benchHarness{expected: make(chan time.Time, 16384)}
}

func (h *benchHarness) expectFire(at time.Time) { h.expected <- at }

func (h *benchHarness) NominalSpeedMps() float64 { return 0.15 }

func (h *benchHarness) State(category model.Category) model.BinState { return model.BinOK }

func (h *benchHarness) Activate(durationS float64) error {
	fired := time.Now()
	h.activating.Add(1)
	defer h.activating.Add(-1)
	_ = durationS

	var jitterUs int
	select {
	case expected := <-h.expected:
		jitterUs = int(fired.Sub(expected).Microseconds())
	default:
		jitterUs = 0
	}

	h.mu.Lock()
	h.jitters = append(h.jitters, jitterUs)
	h.mu.Unlock()
	return nil
}

func (h *benchHarness) ItemActuated(item model.Item)                                    {}
func (h *benchHarness) ItemDropped(item model.Item)                                     {}
func (h *benchHarness) ActuationFailure(item model.Item, diverterHandle string, err error) {}

func (h *benchHarness) drainJitters() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.jitters
	h.jitters = nil
	return out
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	if total == 0 {
		return 0, 0, 0
	}
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
