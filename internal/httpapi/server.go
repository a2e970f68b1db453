// Package httpapi exposes the read-only subset of the control plane
// (health, status, recent metrics, diverter and bin status) over loopback
// HTTP, for consumers that would rather speak JSON-over-HTTP than a Unix
// socket (§6 "realized twice"). State-changing operations are available
// only through internal/control.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/control"
	"github.com/chele-s/ecosort-core/internal/model"
)

// Server is the loopback HTTP status/health/metrics API.
type Server struct {
	plane control.ControlPlane
	log   *zap.Logger
	http  *http.Server
}

// NewServer builds the chi router and wraps it in an *http.Server bound
// to addr (expected to be a loopback address, e.g. "127.0.0.1:8081").
func NewServer(addr string, plane control.ControlPlane, log *zap.Logger) *Server {
	s := &Server{plane: plane, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics/recent", s.handleRecentMetrics)
	r.Get("/diverters/{category}", s.handleDiverterStatus)
	r.Get("/bins/{category}", s.handleBinStatus)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.Info("http api listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close gracefully shuts the HTTP server down.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.plane.GetStatus()
	if snap.State == model.StateError || snap.State == model.StateShutdown {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.plane.GetStatus())
}

func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.plane.GetMetrics(time.Minute))
}

func (s *Server) handleDiverterStatus(w http.ResponseWriter, r *http.Request) {
	category := model.Category(chi.URLParam(r, "category"))
	d, err := s.plane.GetDiverterStatus(category)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, d)
}

func (s *Server) handleBinStatus(w http.ResponseWriter, r *http.Request) {
	category := model.Category(chi.URLParam(r, "category"))
	b, err := s.plane.GetBinStatus(category)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, b)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
