// Package control — server.go
//
// Unix domain socket control API for ecosort-core (§6 Control API surface).
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/ecosort/control.sock (configurable).
// Permissions: 0600, owned by the daemon's user. Operator-grade access only.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Response: {"ok":true,"status":{...SystemSnapshot}}
//
//	{"cmd":"start"}  {"cmd":"stop"}  {"cmd":"pause"}  {"cmd":"resume"}
//	{"cmd":"emergency_stop"}  {"cmd":"enter_maintenance"}  {"cmd":"exit_maintenance"}
//	  → Response: {"ok":true,"state":"running"}
//
//	{"cmd":"reload_config","config_path":"/etc/ecosort/config.yaml"}
//	  → Response: {"ok":true} or {"ok":false,"error":"invalid_config: ..."}
//
//	{"cmd":"get_metrics","window_s":60}
//	  → Response: {"ok":true,"metrics":[...MetricsSnapshot]}
//
//	{"cmd":"get_diverter_status","category":"metal"}
//	  → Response: {"ok":true,"diverter":{...Diverter}}
//
//	{"cmd":"get_bin_status","category":"metal"}
//	  → Response: {"ok":true,"bin":{...Bin}}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// ControlPlane is the capability handle the control socket drives. It is
// satisfied structurally by *orchestrator.Orchestrator — control never
// imports orchestrator, keeping the dependency pointed one way.
type ControlPlane interface {
	GetStatus() model.SystemSnapshot
	Start() error
	Stop() error
	Pause() error
	Resume() error
	EmergencyStop() error
	EnterMaintenance() error
	ExitMaintenance() error
	ReloadConfig(path string) error
	GetMetrics(window time.Duration) []model.MetricsSnapshot
	GetDiverterStatus(category model.Category) (model.Diverter, error)
	GetBinStatus(category model.Category) (model.Bin, error)
}

// Request is the JSON structure for control commands.
type Request struct {
	Cmd        string         `json:"cmd"`
	ConfigPath string         `json:"config_path,omitempty"`
	WindowS    int            `json:"window_s,omitempty"`
	Category   model.Category `json:"category,omitempty"`
}

// Response is the JSON structure for control command responses.
type Response struct {
	OK       bool                     `json:"ok"`
	Error    string                   `json:"error,omitempty"`
	State    model.SystemState        `json:"state,omitempty"`
	Status   *model.SystemSnapshot    `json:"status,omitempty"`
	Metrics  []model.MetricsSnapshot  `json:"metrics,omitempty"`
	Diverter *model.Diverter          `json:"diverter,omitempty"`
	Bin      *model.Bin               `json:"bin,omitempty"`
}

// Server is the control Unix domain socket server.
type Server struct {
	socketPath string
	plane      ControlPlane
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates a control Server.
func NewServer(socketPath string, plane ControlPlane, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		plane:      plane,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the control socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", s.socketPath, err)
	}

	if dir := filepath.Dir(s.socketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("control: mkdir %q: %w", dir, err)
		}
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("control: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("control: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("control: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("control: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		snap := s.plane.GetStatus()
		return Response{OK: true, Status: &snap}
	case "start":
		return s.simpleOp(s.plane.Start)
	case "stop":
		return s.simpleOp(s.plane.Stop)
	case "pause":
		return s.simpleOp(s.plane.Pause)
	case "resume":
		return s.simpleOp(s.plane.Resume)
	case "emergency_stop":
		return s.simpleOp(s.plane.EmergencyStop)
	case "enter_maintenance":
		return s.simpleOp(s.plane.EnterMaintenance)
	case "exit_maintenance":
		return s.simpleOp(s.plane.ExitMaintenance)
	case "reload_config":
		if req.ConfigPath == "" {
			return Response{OK: false, Error: "config_path required for reload_config"}
		}
		if err := s.plane.ReloadConfig(req.ConfigPath); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}
	case "get_metrics":
		window := time.Duration(req.WindowS) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		return Response{OK: true, Metrics: s.plane.GetMetrics(window)}
	case "get_diverter_status":
		d, err := s.plane.GetDiverterStatus(req.Category)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Diverter: &d}
	case "get_bin_status":
		b, err := s.plane.GetBinStatus(req.Category)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Bin: &b}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) simpleOp(op func() error) Response {
	if err := op(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, State: s.plane.GetStatus().State}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("control: marshal response failed", zap.Error(err))
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
