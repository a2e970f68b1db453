package binmonitor

import (
	"testing"

	"github.com/chele-s/ecosort-core/internal/model"
)

func thresholds() Thresholds {
	return Thresholds{WarnPct: 70, FullPct: 90, CriticalPct: 98, MarginPct: 5}
}

func TestUpdateClimbsThroughStates(t *testing.T) {
	m := NewMonitor()
	m.Configure(model.CategoryGlass, thresholds())

	if b := m.Update(model.CategoryGlass, 0.5, 0); b.State != model.BinOK {
		t.Fatalf("expected ok, got %s", b.State)
	}
	if b := m.Update(model.CategoryGlass, 0.75, 1); b.State != model.BinWarn {
		t.Fatalf("expected warn, got %s", b.State)
	}
	if b := m.Update(model.CategoryGlass, 0.92, 2); b.State != model.BinFull {
		t.Fatalf("expected full, got %s", b.State)
	}
	if b := m.Update(model.CategoryGlass, 0.99, 3); b.State != model.BinCritical {
		t.Fatalf("expected critical, got %s", b.State)
	}
}

func TestHysteresisPreventsFlappingAtThreshold(t *testing.T) {
	m := NewMonitor()
	m.Configure(model.CategoryGlass, thresholds())
	m.Update(model.CategoryGlass, 0.92, 0) // full

	// Drops just below full_pct but still above warn_pct - margin (65%):
	// must remain full, not bounce back to warn.
	if b := m.Update(model.CategoryGlass, 0.88, 1); b.State != model.BinFull {
		t.Fatalf("expected to remain full within hysteresis band, got %s", b.State)
	}
	if b := m.Update(model.CategoryGlass, 0.60, 2); b.State != model.BinOK {
		t.Fatalf("expected to clear to ok below warn_pct-margin, got %s", b.State)
	}
}

func TestStateDefaultsToOKForUnconfiguredCategory(t *testing.T) {
	m := NewMonitor()
	if s := m.State(model.CategoryMetal); s != model.BinOK {
		t.Fatalf("expected ok default, got %s", s)
	}
}
