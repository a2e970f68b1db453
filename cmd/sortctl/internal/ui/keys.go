package ui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit             key.Binding
	Start            key.Binding
	Stop             key.Binding
	Pause            key.Binding
	Resume           key.Binding
	EmergencyStop    key.Binding
	EnterMaintenance key.Binding
	ExitMaintenance  key.Binding
}

var keys = keyMap{
	Quit:             key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Start:            key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
	Stop:             key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
	Pause:            key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause")),
	Resume:           key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resume")),
	EmergencyStop:    key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "EMERGENCY STOP")),
	EnterMaintenance: key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "maintenance")),
	ExitMaintenance:  key.NewBinding(key.WithKeys("M"), key.WithHelp("M", "exit maintenance")),
}

// helpLine renders the footer's key hints in the order listed below,
// with quit last.
func helpLine() string {
	bindings := []key.Binding{
		keys.Start, keys.Stop, keys.Pause, keys.Resume,
		keys.EmergencyStop, keys.EnterMaintenance, keys.ExitMaintenance, keys.Quit,
	}
	line := ""
	for i, b := range bindings {
		if i > 0 {
			line += "  "
		}
		line += b.Help().Key + " " + b.Help().Desc
	}
	return line
}
