package clock

import "testing"

func TestVirtualClockAdvanceFiresTimer(t *testing.T) {
	c := NewVirtualClock()
	timer := c.NewTimer(10)
	c.Advance(5)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}
	c.Advance(5)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at deadline")
	}
}

func TestVirtualClockTickerRearms(t *testing.T) {
	c := NewVirtualClock()
	ticker := c.NewTicker(3)
	c.Advance(3)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire on first period")
	}
	c.Advance(3)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not rearm for second period")
	}
	ticker.Stop()
	c.Advance(3)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired after Stop")
	default:
	}
}

func TestVirtualClockNowMonotonic(t *testing.T) {
	c := NewVirtualClock()
	if c.Now() != 0 {
		t.Fatalf("expected 0, got %v", c.Now())
	}
	c.Advance(100)
	if c.Now() != 100 {
		t.Fatalf("expected 100, got %v", c.Now())
	}
}

func TestTimerStopPreventsFire(t *testing.T) {
	c := NewVirtualClock()
	timer := c.NewTimer(5)
	if !timer.Stop() {
		t.Fatal("Stop on active timer should return true")
	}
	c.Advance(10)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}
