// Package api exposes the replication control surface over HTTP: list,
// enable, disable and manual sync, plus a health endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/replicator"
)

// Server is the admin HTTP server wrapping a running Service.
type Server struct {
	service *replicator.Service
	server  *http.Server
}

// NewServer builds the admin server on the given address.
func NewServer(addr string, service *replicator.Service) *Server {
	s := &Server{service: service}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/replicators", s.handleList)
	mux.HandleFunc("/replicators/", s.handleReplicator)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("admin server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status   string          `json:"status"`
	Counters models.Counters `json:"counters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   string(s.service.Status()),
		Counters: s.service.Counters(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"replicators": s.service.List()})
}

// handleReplicator routes /replicators/{id}/{action} for enable, disable
// and sync.
func (s *Server) handleReplicator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/replicators/"), "/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, errors.New("expected /replicators/{id}/{action}"))
		return
	}
	id, action := parts[0], parts[1]

	var err error
	switch action {
	case "enable":
		err = s.service.Enable(id)
	case "disable":
		err = s.service.Disable(id)
	case "sync":
		err = s.service.SyncNow(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown action "+action))
		return
	}

	var unknown *replicator.UnknownReplicatorError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "action": action, "result": "ok"})
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": unknown.Error(),
			"known": unknown.Known,
		})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
