package ui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Start):
			return m, runOp(m.c.Start)
		case key.Matches(msg, keys.Stop):
			return m, runOp(m.c.Stop)
		case key.Matches(msg, keys.Pause):
			return m, runOp(m.c.Pause)
		case key.Matches(msg, keys.Resume):
			return m, runOp(m.c.Resume)
		case key.Matches(msg, keys.EmergencyStop):
			return m, runOp(m.c.EmergencyStop)
		case key.Matches(msg, keys.EnterMaintenance):
			return m, runOp(m.c.EnterMaintenance)
		case key.Matches(msg, keys.ExitMaintenance):
			return m, runOp(m.c.ExitMaintenance)
		}

	case statusMsg:
		if msg.err != nil {
			m.connected = false
			m.lastErr = msg.err.Error()
		} else {
			m.connected = true
			m.status = msg.status
			m.lastErr = ""
		}

	case opResultMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
		return m, fetchStatus(m.c)

	case tickMsg:
		return m, tea.Batch(fetchStatus(m.c), tickCmd())
	}

	return m, nil
}
