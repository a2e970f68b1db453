package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorOK       = lipgloss.Color("#00ff88")
	colorWarn     = lipgloss.Color("#ffaa00")
	colorErr      = lipgloss.Color("#ff4444")
	colorMuted    = lipgloss.Color("#6c7a89")
	colorPrimary  = lipgloss.Color("#00f3ff")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	labelStyle = lipgloss.NewStyle().Foreground(colorMuted)
	footerStyle = lipgloss.NewStyle().Foreground(colorMuted).MarginTop(1)
)

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ecosort-core — sortctl") + "\n\n")

	if !m.connected {
		b.WriteString(lipgloss.NewStyle().Foreground(colorErr).Render("disconnected: "+m.lastErr) + "\n")
		b.WriteString(footerStyle.Render("q quit"))
		return b.String()
	}

	stateStyle := lipgloss.NewStyle().Bold(true).Foreground(stateColor(string(m.status.State)))
	b.WriteString(labelStyle.Render("state:  ") + stateStyle.Render(string(m.status.State)) + "\n")
	b.WriteString(labelStyle.Render("uptime: ") + m.status.Uptime.Round(1e9/2).String() + "\n")
	b.WriteString(labelStyle.Render("config: ") + m.status.ConfigVersion + "\n\n")

	b.WriteString(titleStyle.Render("components") + "\n")
	for _, comp := range m.status.Components {
		mark := "✓"
		color := colorOK
		if !comp.Healthy {
			mark = "✗"
			color = colorErr
		}
		line := fmt.Sprintf("  %s %-24s %s", lipgloss.NewStyle().Foreground(color).Render(mark), comp.Name, comp.Detail)
		b.WriteString(line + "\n")
	}

	if m.lastErr != "" {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(colorWarn).Render("last error: "+m.lastErr) + "\n")
	}

	b.WriteString(footerStyle.Render(helpLine()))
	return b.String()
}

func stateColor(state string) lipgloss.Color {
	switch state {
	case "running":
		return colorOK
	case "error":
		return colorErr
	case "paused", "maintenance", "recovering", "shutting_down":
		return colorWarn
	default:
		return colorPrimary
	}
}
