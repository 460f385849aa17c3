package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/pquerna/ffjson/ffjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "metrics").Logger()

// Server exposes the Prometheus scrape endpoint plus a health probe fed
// by the in-memory counters.
type Server struct {
	server    *http.Server
	telemetry *Telemetry
}

// NewServer builds the metrics HTTP server serving the telemetry's own
// registry.
func NewServer(addr, path string, telemetry *Telemetry) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(telemetry.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		body, err := ffjson.Marshal(telemetry.Counters())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		telemetry: telemetry,
	}
}

// Start serves until Stop. Listen failures are logged, not fatal; the
// engine keeps replicating without a scrape endpoint.
func (s *Server) Start() {
	go func() {
		logger.Info().Str("addr", s.server.Addr).Msg("metrics server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
