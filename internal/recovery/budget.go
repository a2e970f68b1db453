package recovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chele-s/ecosort-core/internal/clock"
)

// Budget is a token bucket shared across every fault kind — a single
// global retry allowance rather than one bucket per kind, so a burst of
// faults across unrelated components still can't retry forever.
// Refills to full capacity every refillPeriod rather than incrementally,
// matching the teacher's budget.Bucket semantics exactly.
type Budget struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration
	clk          clock.Clock

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64
}

// NewBudget constructs a Budget at full capacity. It starts no goroutine;
// refills happen only while Run is running.
func NewBudget(capacity int, refillPeriod time.Duration, clk clock.Clock) *Budget {
	return &Budget{capacity: capacity, tokens: capacity, refillPeriod: refillPeriod, clk: clk}
}

// Run drives the refill loop. Call in its own goroutine.
func (b *Budget) Run(done <-chan struct{}) {
	ticker := b.clk.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-done:
			return
		}
	}
}

// Consume attempts to consume cost tokens, returning false if
// insufficient tokens remain — the caller must escalate instead of retrying.
func (b *Budget) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// Remaining reports the current token count.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
