// Package metrics exposes Prometheus metrics and a mesh status snapshot over
// HTTP.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/swarmgrid/meshcoord/internal/mesh"
)

// StatusProvider supplies the current network snapshot for /status.
type StatusProvider func() mesh.NetworkStatus

// Server serves /metrics, /health, and /status.
type Server struct {
	port   int
	server *http.Server
	status StatusProvider
	log    zerolog.Logger
}

// NewServer creates a metrics server. status may be nil, in which case
// /status returns 404.
func NewServer(port int, status StatusProvider, log zerolog.Logger) *Server {
	return &Server{
		port:   port,
		status: status,
		log:    log.With().Str("component", "metrics_server").Logger(),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(s.status()); err != nil {
				s.log.Error().Err(err).Msg("Failed to encode network status")
			}
		})
	}
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down metrics server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	s.log.Info().Msg("Metrics server shutdown complete")
	return nil
}
