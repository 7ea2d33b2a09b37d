package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusServer exposes the operational surface of an agent process:
//
//	GET /status  → JSON snapshot from the status function
//	GET /health  → liveness probe
//	GET /metrics → prometheus scrape endpoint
type StatusServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewStatusServer builds the server. status is called per request and its
// result JSON-encoded; keep it cheap.
func NewStatusServer(addr string, status func() any, logger zerolog.Logger) *StatusServer {
	l := logger.With().Str("component", "status").Logger()

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			l.Error().Err(err).Msg("Status encode failed")
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &StatusServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: l,
	}
}

// Start serves in a background goroutine.
func (s *StatusServer) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("Status server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Status server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *StatusServer) Shutdown(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Status server shutdown error")
	}
}
