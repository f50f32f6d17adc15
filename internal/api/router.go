package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/p-arndt/vorschau/internal/config"
)

type Server struct {
	cfg     *config.Config
	preview PreviewService
	runs    RunReader
	deploy  DeployService
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(cfg *config.Config, preview PreviewService, runs RunReader, dep DeployService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		preview: preview,
		runs:    runs,
		deploy:  dep,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	// preview lifecycle
	s.mux.HandleFunc("POST /v1/previews", s.handleLaunch)
	s.mux.HandleFunc("GET /v1/previews", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/previews/current", s.handleCurrent)
	s.mux.HandleFunc("GET /v1/previews/{id}", s.handleGetRun)
	s.mux.HandleFunc("DELETE /v1/previews/current", s.handleTeardown)

	// event streams
	s.mux.HandleFunc("GET /v1/previews/current/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/previews/current/ws", s.handleEventsWS)

	// deploy relay
	s.mux.HandleFunc("POST /v1/deployments", s.handleDeployCreate)
	s.mux.HandleFunc("GET /v1/deployments/{id}", s.handleDeployStatus)
	s.mux.HandleFunc("DELETE /v1/deployments/{site}", s.handleDeployDelete)

	// health check (no auth)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
