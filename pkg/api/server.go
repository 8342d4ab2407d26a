// Package api exposes the supervisor's state over a small HTTP surface:
// the current accepted snapshot, connection status with lifetime counters,
// a connectivity probe for setup tooling, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the API server state.
type Server struct {
	status StatusProvider
	config ServerConfig
}

// NewServer creates a new API server over the given status source.
func NewServer(status StatusProvider, config ServerConfig) *Server {
	return &Server{status: status, config: config}
}

// Router builds the HTTP routing table.
func (s *Server) Router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/status", s.handleStatus)
		r.Post("/probe", s.handleProbe)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Router(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"state":  s.status.State().String(),
	})
}

// handleSnapshot returns the last accepted snapshot. 404 while none has
// been accepted: the presentation layer reads that as "unavailable".
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()
	if snap == nil {
		sendError(w, http.StatusNotFound, "no snapshot accepted yet")
		return
	}
	sendSuccess(w, http.StatusOK, newSnapshotResponse(snap))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, StatusResponse{
		State:       s.status.State().String(),
		HasSnapshot: s.status.Snapshot() != nil,
		Stats:       s.status.Stats(),
	})
}

// handleProbe runs the one-shot connectivity check. Only used by setup
// tooling; steady-state consumers have no business opening the port twice.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if s.config.Probe == nil {
		sendError(w, http.StatusNotImplemented, "probe not configured")
		return
	}
	if err := s.config.Probe(); err != nil {
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	sendSuccess(w, http.StatusOK, map[string]string{"probe": "ok"})
}

func sendSuccess(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func sendError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Error: msg})
}
