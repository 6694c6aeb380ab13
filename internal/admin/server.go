// Package admin implements the proxy's ambient HTTP surface: health,
// readiness, Prometheus metrics, and a read-only connection listing.
// Structure follows the teacher's internal/api.Server (mux.Router, a single
// http.Server, the same writeJSON/writeError helpers), collapsed from the
// teacher's tenant CRUD + dashboard API down to the read-only routes
// spec.md's ambient surface names.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/piimask/internal/connid"
	"github.com/dbbouncer/piimask/internal/health"
)

// Server is the admin HTTP server: exactly three routes standing in for the
// external management API's read-only surface (/healthz, /metrics,
// /connections) — no rule CRUD, no dashboard.
type Server struct {
	checker    *health.Checker
	conns      *connid.Table
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds an admin Server. checker and conns are read on every
// request, never captured at a point in time, so they stay current across
// config reloads and connection churn.
func NewServer(checker *health.Checker, conns *connid.Table) *Server {
	return &Server{
		checker:   checker,
		conns:     conns,
		startTime: time.Now(),
	}
}

// Start begins serving on bind:port in a background goroutine.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/connections", s.connectionsHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// healthzHandler reports both liveness (the process is up, or this handler
// wouldn't run) and readiness (the upstream health-check's current boolean,
// spec.md §5) in one route, per the ambient surface's "exactly three routes"
// shape.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	state := s.checker.State()

	status := http.StatusOK
	if state.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, state)
}

func (s *Server) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conns.List())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
