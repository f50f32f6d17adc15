package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/p-arndt/vorschau/internal/source"
	"github.com/p-arndt/vorschau/internal/workflow"
	"github.com/p-arndt/vorschau/protocol"
)

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req protocol.LaunchRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateLaunchRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	repo, err := source.ParseRepo(req.Repo, req.Ref)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	s.logger.Debug("launch request", "repo", repo.String(), "ref", repo.Ref, "replace", req.Replace)
	snap, err := s.preview.Launch(r.Context(), workflow.LaunchSpec{Repo: repo, Replace: req.Replace})
	if err != nil {
		if errors.Is(err, workflow.ErrRunActive) {
			writeJSON(w, http.StatusConflict, APIError{
				Code:    ErrCodeRunActive,
				Message: "a preview run is already active; pass replace to take over the workspace",
				Details: map[string]any{"current": snap},
			})
			return
		}
		s.logger.Error("launch", "repo", repo.String(), "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.preview.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, APIError{
			Code:    ErrCodeNoActiveRun,
			Message: "no active preview run",
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runs.GetRun(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeValidationError(w, "limit must be an integer between 1 and 200", nil)
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("teardown request")
	if err := s.preview.Teardown(r.Context()); err != nil {
		s.logger.Error("teardown", "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
