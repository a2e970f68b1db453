// Package main — cmd/sortctl/main.go
//
// sortctl is the ecosort-core operator CLI/TUI: a thin client over the
// daemon's Unix-socket control protocol (internal/control).
//
// Usage:
//
//	sortctl                      launch the live status TUI
//	sortctl status               print the current snapshot and exit
//	sortctl start|stop|pause|resume|emergency-stop
//	sortctl reload-config <path>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chele-s/ecosort-core/cmd/sortctl/internal/client"
	"github.com/chele-s/ecosort-core/cmd/sortctl/internal/ui"
	"github.com/chele-s/ecosort-core/internal/model"
)

func main() {
	socketPath := flag.String("socket", "/run/ecosort/control.sock", "Path to the control socket")
	flag.Parse()

	c := client.New(*socketPath)
	args := flag.Args()

	if len(args) == 0 {
		runTUI(c)
		return
	}

	if err := runCommand(c, args); err != nil {
		fmt.Fprintln(os.Stderr, "sortctl: "+err.Error())
		os.Exit(1)
	}
}

func runTUI(c *client.Client) {
	p := tea.NewProgram(ui.NewModel(c), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "sortctl: "+err.Error())
		os.Exit(1)
	}
}

func runCommand(c *client.Client, args []string) error {
	switch args[0] {
	case "status":
		s, err := c.Status()
		if err != nil {
			return err
		}
		return printJSON(s)
	case "start":
		return printOp(c.Start())
	case "stop":
		return printOp(c.Stop())
	case "pause":
		return printOp(c.Pause())
	case "resume":
		return printOp(c.Resume())
	case "emergency-stop":
		return printOp(c.EmergencyStop())
	case "enter-maintenance":
		return printOp(c.EnterMaintenance())
	case "exit-maintenance":
		return printOp(c.ExitMaintenance())
	case "reload-config":
		if len(args) < 2 {
			return fmt.Errorf("reload-config requires a path argument")
		}
		return c.ReloadConfig(args[1])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printOp(state model.SystemState, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(string(state))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
