package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
)

type fakePlane struct {
	state        model.SystemState
	startErr     error
	reloadErr    error
	diverter     model.Diverter
	diverterErr  error
	bin          model.Bin
	binErr       error
}

func (f *fakePlane) GetStatus() model.SystemSnapshot {
	return model.SystemSnapshot{State: f.state, ConfigVersion: "v1"}
}
func (f *fakePlane) Start() error { f.state = model.StateRunning; return f.startErr }
func (f *fakePlane) Stop() error { f.state = model.StateShutdown; return nil }
func (f *fakePlane) Pause() error { f.state = model.StatePaused; return nil }
func (f *fakePlane) Resume() error { f.state = model.StateRunning; return nil }
func (f *fakePlane) EmergencyStop() error { f.state = model.StateError; return nil }
func (f *fakePlane) EnterMaintenance() error { f.state = model.StateMaintenance; return nil }
func (f *fakePlane) ExitMaintenance() error { f.state = model.StateIdle; return nil }
func (f *fakePlane) ReloadConfig(path string) error { return f.reloadErr }
func (f *fakePlane) GetMetrics(window time.Duration) []model.MetricsSnapshot {
	return []model.MetricsSnapshot{{ItemsProcessed: 42}}
}
func (f *fakePlane) GetDiverterStatus(category model.Category) (model.Diverter, error) {
	return f.diverter, f.diverterErr
}
func (f *fakePlane) GetBinStatus(category model.Category) (model.Bin, error) {
	return f.bin, f.binErr
}

func startTestServer(t *testing.T, plane *fakePlane) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(sockPath, plane, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := net.Dial("unix", sockPath); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return sockPath
}

func roundTrip(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return resp
}

func TestStatusCommandReturnsSnapshot(t *testing.T) {
	plane := &fakePlane{state: model.StateIdle}
	sock := startTestServer(t, plane)

	resp := roundTrip(t, sock, Request{Cmd: "status"})
	if !resp.OK || resp.Status == nil || resp.Status.State != model.StateIdle {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStartCommandTransitionsState(t *testing.T) {
	plane := &fakePlane{state: model.StateIdle}
	sock := startTestServer(t, plane)

	resp := roundTrip(t, sock, Request{Cmd: "start"})
	if !resp.OK || resp.State != model.StateRunning {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStartCommandPropagatesError(t *testing.T) {
	plane := &fakePlane{state: model.StateIdle, startErr: errors.New("unhealthy component")}
	sock := startTestServer(t, plane)

	resp := roundTrip(t, sock, Request{Cmd: "start"})
	if resp.OK || resp.Error == "" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestReloadConfigRequiresPath(t *testing.T) {
	plane := &fakePlane{}
	sock := startTestServer(t, plane)

	resp := roundTrip(t, sock, Request{Cmd: "reload_config"})
	if resp.OK {
		t.Fatal("expected failure without config_path")
	}
}

func TestGetDiverterStatus(t *testing.T) {
	plane := &fakePlane{diverter: model.Diverter{Handle: "metal_diverter", Enabled: true}}
	sock := startTestServer(t, plane)

	resp := roundTrip(t, sock, Request{Cmd: "get_diverter_status", Category: model.CategoryMetal})
	if !resp.OK || resp.Diverter == nil || resp.Diverter.Handle != "metal_diverter" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	plane := &fakePlane{}
	sock := startTestServer(t, plane)

	resp := roundTrip(t, sock, Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatal("expected failure for unknown command")
	}
}
