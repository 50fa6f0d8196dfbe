// Package api serves the daemon's operational surface: health and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checker is a component that can report its own health.
type Checker interface {
	Name() string
	Healthy(ctx context.Context) (bool, string)
}

type checkResult struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type healthResponse struct {
	Healthy bool                   `json:"healthy"`
	Checks  map[string]checkResult `json:"checks"`
}

// Server is the HTTP surface.
type Server struct {
	router   *mux.Router
	checkers []Checker
	log      *slog.Logger
}

func NewServer(log *slog.Logger, checkers ...Checker) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		checkers: checkers,
		log:      log.With("system", "otter.api"),
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// handleHealth aggregates every checker. Any unhealthy component turns the
// response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Healthy: true, Checks: map[string]checkResult{}}
	for _, checker := range s.checkers {
		healthy, detail := checker.Healthy(ctx)
		resp.Checks[checker.Name()] = checkResult{Healthy: healthy, Detail: detail}
		if !healthy {
			resp.Healthy = false
		}
	}

	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
		s.log.Warn("health check failing", "checks", resp.Checks)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("writing health response failed", "error", err)
	}
}
