// Package clock provides the monotonic time source used by every other
// component in the sorter core. Scheduling, state-machine, safety and
// recovery timing flows through a clock.Clock so that those tests can run
// against a VirtualClock instead of the wall clock; hardware edge
// readers, ledger and telemetry record timestamps and I/O deadlines read
// the wall clock directly.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is a monotonic time source. All durations it returns are offsets
// from an arbitrary epoch fixed at construction time — never wall-clock
// time — so arithmetic on them is always safe even across a hot-reload.
type Clock interface {
	// Now returns the current monotonic offset from the clock's epoch.
	Now() time.Duration

	// After returns a channel that receives the current time once d has
	// elapsed. Mirrors time.After.
	After(d time.Duration) <-chan time.Time

	// NewTimer mirrors time.NewTimer, returning a Timer that can be
	// stopped or reset.
	NewTimer(d time.Duration) Timer

	// NewTicker mirrors time.NewTicker.
	NewTicker(d time.Duration) Ticker
}

// Timer mirrors the subset of *time.Timer the core needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker mirrors the subset of *time.Ticker the core needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// ─── Real clock ────────────────────────────────────────────────────────────

// RealClock is backed by the operating system's monotonic clock.
type RealClock struct {
	epoch time.Time
}

// NewRealClock returns a Clock whose epoch is the moment of construction.
func NewRealClock() *RealClock {
	return &RealClock{epoch: time.Now()}
}

func (c *RealClock) Now() time.Duration {
	return time.Since(c.epoch)
}

func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (c *RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time     { return r.t.C }
func (r *realTimer) Stop() bool              { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// ─── Virtual clock ─────────────────────────────────────────────────────────

// VirtualClock is a test double that only advances when Advance is called.
// Scheduler and safety-loop tests use it to assert exact fire_ts/deadline
// behaviour without sleeping in real time.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Duration
	waiters []*vcWaiter
}

type vcWaiter struct {
	deadline time.Duration
	ch       chan time.Time
	periodic time.Duration // 0 for one-shot After/Timer, >0 for Ticker
	stopped  bool
}

// NewVirtualClock returns a VirtualClock starting at offset 0.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

func (c *VirtualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the virtual clock forward by d, firing any waiters whose
// deadline has been reached, in deadline order. Periodic waiters (tickers)
// are rearmed for their next period after firing.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	now := c.now
	var fired []*vcWaiter
	for _, w := range c.waiters {
		if !w.stopped && w.deadline <= now {
			fired = append(fired, w)
		}
	}
	sort.SliceStable(fired, func(i, j int) bool { return fired[i].deadline < fired[j].deadline })
	for _, w := range fired {
		if w.periodic > 0 {
			w.deadline = now + w.periodic
		} else {
			w.stopped = true
		}
	}
	c.mu.Unlock()

	for _, w := range fired {
		select {
		case w.ch <- epochTime(now):
		default:
		}
	}
}

func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

func (c *VirtualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &vcWaiter{deadline: c.now + d, ch: make(chan time.Time, 1)}
	c.waiters = append(c.waiters, w)
	return &virtualTimer{clock: c, w: w}
}

func (c *VirtualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &vcWaiter{deadline: c.now + d, ch: make(chan time.Time, 1), periodic: d}
	c.waiters = append(c.waiters, w)
	return &virtualTicker{clock: c, w: w}
}

func (c *VirtualClock) removeWaiter(w *vcWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ww := range c.waiters {
		if ww == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// epochTime converts a virtual offset into a time.Time for API compatibility.
// Callers of Clock must never depend on this value's absolute meaning.
func epochTime(d time.Duration) time.Time {
	return time.Unix(0, 0).Add(d)
}

type virtualTimer struct {
	clock *VirtualClock
	w     *vcWaiter
}

func (v *virtualTimer) C() <-chan time.Time { return v.w.ch }

func (v *virtualTimer) Stop() bool {
	v.clock.mu.Lock()
	wasActive := !v.w.stopped
	v.w.stopped = true
	v.clock.mu.Unlock()
	return wasActive
}

func (v *virtualTimer) Reset(d time.Duration) bool {
	v.clock.mu.Lock()
	wasActive := !v.w.stopped
	v.w.stopped = false
	v.w.deadline = v.clock.now + d
	v.clock.mu.Unlock()
	return wasActive
}

type virtualTicker struct {
	clock *VirtualClock
	w     *vcWaiter
}

func (v *virtualTicker) C() <-chan time.Time { return v.w.ch }

func (v *virtualTicker) Stop() {
	v.clock.removeWaiter(v.w)
}
