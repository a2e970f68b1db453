// Package binmonitor tracks each category's bin fill level and applies
// the hysteresis rule from the data model: a bin only exits `full` once
// fill_fraction drops below warn_pct − margin, preventing the dispatch
// scheduler from flapping a category in and out of service right at the
// threshold.
package binmonitor

import (
	"sync"
	"time"

	"github.com/chele-s/ecosort-core/internal/model"
)

// Thresholds are the per-category fill-percentage boundaries.
type Thresholds struct {
	WarnPct     float64
	FullPct     float64
	CriticalPct float64
	MarginPct   float64 // hysteresis margin subtracted from WarnPct on the way down
}

// Monitor holds the live Bin record for every configured category.
type Monitor struct {
	mu         sync.Mutex
	bins       map[model.Category]*model.Bin
	thresholds map[model.Category]Thresholds
}

// NewMonitor constructs a Monitor. Call Configure for each category
// before the first Update.
func NewMonitor() *Monitor {
	return &Monitor{bins: make(map[model.Category]*model.Bin), thresholds: make(map[model.Category]Thresholds)}
}

// Configure (re)sets a category's thresholds, used at startup and on
// config hot-reload.
func (m *Monitor) Configure(cat model.Category, t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[cat] = t
	if _, ok := m.bins[cat]; !ok {
		m.bins[cat] = &model.Bin{Category: cat, State: model.BinOK}
	}
}

// Update records a new fill-fraction reading and recomputes the bin's
// hysteresis-gated state.
func (m *Monitor) Update(cat model.Category, fillFraction float64, ts time.Duration) model.Bin {
	m.mu.Lock()
	defer m.mu.Unlock()

	bin, ok := m.bins[cat]
	if !ok {
		bin = &model.Bin{Category: cat, State: model.BinOK}
		m.bins[cat] = bin
	}
	t := m.thresholds[cat]

	bin.FillFraction = fillFraction
	bin.LastMeasurement = ts

	pct := fillFraction * 100
	switch bin.State {
	case model.BinFull, model.BinCritical:
		// Only exit full/critical once below warn_pct - margin.
		if pct < t.WarnPct-t.MarginPct {
			bin.State = model.BinOK
		} else if pct >= t.CriticalPct {
			bin.State = model.BinCritical
		} else if pct >= t.FullPct {
			bin.State = model.BinFull
		}
	default:
		switch {
		case pct >= t.CriticalPct:
			bin.State = model.BinCritical
		case pct >= t.FullPct:
			bin.State = model.BinFull
		case pct >= t.WarnPct:
			bin.State = model.BinWarn
		default:
			bin.State = model.BinOK
		}
	}
	return *bin
}

// State implements dispatch.BinInfo.
func (m *Monitor) State(cat model.Category) model.BinState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bin, ok := m.bins[cat]; ok {
		return bin.State
	}
	return model.BinOK
}

// Snapshot returns the current Bin record for cat.
func (m *Monitor) Snapshot(cat model.Category) (model.Bin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bin, ok := m.bins[cat]
	if !ok {
		return model.Bin{}, false
	}
	return *bin, true
}
