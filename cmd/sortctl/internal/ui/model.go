// Package ui is the sortctl bubbletea dashboard: a single status view
// polling the control socket on a 1s tick, with key-bound operator
// commands.
package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chele-s/ecosort-core/cmd/sortctl/internal/client"
	"github.com/chele-s/ecosort-core/internal/model"
)

// Model holds the TUI's entire render state.
type Model struct {
	c *client.Client

	connected bool
	status    model.SystemSnapshot
	lastErr   string

	width, height int
}

// NewModel constructs the initial TUI model.
func NewModel(c *client.Client) Model {
	return Model{c: c}
}

// Init kicks off the first status fetch and the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchStatus(m.c), tickCmd())
}

type statusMsg struct {
	status model.SystemSnapshot
	err    error
}

type opResultMsg struct {
	state model.SystemState
	err   error
}

type tickMsg time.Time

func fetchStatus(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		s, err := c.Status()
		return statusMsg{status: s, err: err}
	}
}

func runOp(op func() (model.SystemState, error)) tea.Cmd {
	return func() tea.Msg {
		state, err := op()
		return opResultMsg{state: state, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
