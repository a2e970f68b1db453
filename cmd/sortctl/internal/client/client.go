// Package client is a thin wrapper over ecosort-core's Unix-socket
// control protocol (internal/control), used by the sortctl CLI/TUI.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/chele-s/ecosort-core/internal/control"
	"github.com/chele-s/ecosort-core/internal/model"
)

// Client dials the control socket fresh for every request — the
// protocol is one request/response per connection, so there is no
// persistent connection state to manage.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New constructs a Client targeting socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 5 * time.Second}
}

func (c *Client) call(req control.Request) (control.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return control.Response{}, fmt.Errorf("sortctl: dial %q: %w", c.socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	body, err := json.Marshal(req)
	if err != nil {
		return control.Response{}, fmt.Errorf("sortctl: encode request: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return control.Response{}, fmt.Errorf("sortctl: write request: %w", err)
	}

	var resp control.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return control.Response{}, fmt.Errorf("sortctl: decode response: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("sortctl: %s", resp.Error)
	}
	return resp, nil
}

// Status fetches the current system snapshot.
func (c *Client) Status() (model.SystemSnapshot, error) {
	resp, err := c.call(control.Request{Cmd: "status"})
	if err != nil {
		return model.SystemSnapshot{}, err
	}
	if resp.Status == nil {
		return model.SystemSnapshot{}, fmt.Errorf("sortctl: status response missing status")
	}
	return *resp.Status, nil
}

// Start, Stop, Pause, Resume, and EmergencyStop send their eponymous
// simple control command and return the resulting system state.
func (c *Client) Start() (model.SystemState, error)         { return c.simpleOp("start") }
func (c *Client) Stop() (model.SystemState, error)           { return c.simpleOp("stop") }
func (c *Client) Pause() (model.SystemState, error)          { return c.simpleOp("pause") }
func (c *Client) Resume() (model.SystemState, error)         { return c.simpleOp("resume") }
func (c *Client) EmergencyStop() (model.SystemState, error)  { return c.simpleOp("emergency_stop") }
func (c *Client) EnterMaintenance() (model.SystemState, error) { return c.simpleOp("enter_maintenance") }
func (c *Client) ExitMaintenance() (model.SystemState, error)  { return c.simpleOp("exit_maintenance") }

func (c *Client) simpleOp(cmd string) (model.SystemState, error) {
	resp, err := c.call(control.Request{Cmd: cmd})
	if err != nil {
		return "", err
	}
	return resp.State, nil
}

// Metrics fetches every retained metrics snapshot within window.
func (c *Client) Metrics(window time.Duration) ([]model.MetricsSnapshot, error) {
	resp, err := c.call(control.Request{Cmd: "get_metrics", WindowS: int(window.Seconds())})
	if err != nil {
		return nil, err
	}
	return resp.Metrics, nil
}

// DiverterStatus fetches the live record for one category's diverter.
func (c *Client) DiverterStatus(cat model.Category) (model.Diverter, error) {
	resp, err := c.call(control.Request{Cmd: "get_diverter_status", Category: cat})
	if err != nil {
		return model.Diverter{}, err
	}
	if resp.Diverter == nil {
		return model.Diverter{}, fmt.Errorf("sortctl: diverter status response missing diverter")
	}
	return *resp.Diverter, nil
}

// BinStatus fetches the live fill record for one category's bin.
func (c *Client) BinStatus(cat model.Category) (model.Bin, error) {
	resp, err := c.call(control.Request{Cmd: "get_bin_status", Category: cat})
	if err != nil {
		return model.Bin{}, err
	}
	if resp.Bin == nil {
		return model.Bin{}, fmt.Errorf("sortctl: bin status response missing bin")
	}
	return *resp.Bin, nil
}

// ReloadConfig asks the daemon to re-read and apply configPath.
func (c *Client) ReloadConfig(configPath string) error {
	_, err := c.call(control.Request{Cmd: "reload_config", ConfigPath: configPath})
	return err
}
