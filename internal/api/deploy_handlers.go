package api

import (
	"net/http"

	"github.com/p-arndt/vorschau/protocol"
)

func (s *Server) handleDeployCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeployRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateDeployRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	s.logger.Debug("deploy create", "repo", req.Repo, "site", req.Site)
	dep, err := s.deploy.Create(r.Context(), req)
	if err != nil {
		s.logger.Error("deploy create", "repo", req.Repo, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dep, err := s.deploy.Status(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (s *Server) handleDeployDelete(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site")
	s.logger.Debug("deploy delete", "site", site)
	if err := s.deploy.Delete(r.Context(), site); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
