package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/vorschau/internal/deploy"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/internal/store"
	"github.com/p-arndt/vorschau/internal/workflow"
)

// Error codes returned in API responses
const (
	ErrCodeRunActive         = "RUN_ACTIVE"
	ErrCodeRunNotFound       = "RUN_NOT_FOUND"
	ErrCodeNoActiveRun       = "NO_ACTIVE_RUN"
	ErrCodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"

	ErrCodeDeployAuth         = "DEPLOY_AUTH"
	ErrCodeDeployWorkspace    = "DEPLOY_WORKSPACE_NOT_FOUND"
	ErrCodeDeployRepoNotFound = "DEPLOY_REPO_NOT_FOUND"
	ErrCodeDeployQuota        = "DEPLOY_QUOTA"
	ErrCodeDeployInvalid      = "DEPLOY_INVALID_INPUT"
	ErrCodeDeployFailed       = "DEPLOY_FAILED"
)

// APIError is the structured error body every failing endpoint returns.
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeAPIError maps a domain error onto status code and error body.
func writeAPIError(w http.ResponseWriter, err error) {
	var relayErr *deploy.Error
	if errors.As(err, &relayErr) {
		writeDeployError(w, relayErr)
		return
	}

	apiErr := APIError{Code: ErrCodeInternalError, Message: err.Error()}
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, workflow.ErrRunActive):
		apiErr.Code = ErrCodeRunActive
		statusCode = http.StatusConflict

	case errors.Is(err, store.ErrNotFound):
		apiErr.Code = ErrCodeRunNotFound
		statusCode = http.StatusNotFound

	case errors.Is(err, sandbox.ErrEngineUnavailable):
		apiErr.Code = ErrCodeEngineUnavailable
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, apiErr)
}

// writeDeployError maps relay categories onto HTTP statuses. Auth and
// generic failures are upstream problems, so they surface as bad gateway.
func writeDeployError(w http.ResponseWriter, err *deploy.Error) {
	apiErr := APIError{Message: err.Message}
	statusCode := http.StatusBadGateway

	switch err.Category {
	case deploy.CategoryAuth:
		apiErr.Code = ErrCodeDeployAuth
	case deploy.CategoryWorkspace:
		apiErr.Code = ErrCodeDeployWorkspace
		statusCode = http.StatusNotFound
	case deploy.CategoryRepoNotFound:
		apiErr.Code = ErrCodeDeployRepoNotFound
		statusCode = http.StatusUnprocessableEntity
	case deploy.CategoryQuota:
		apiErr.Code = ErrCodeDeployQuota
		statusCode = http.StatusTooManyRequests
	case deploy.CategoryInvalidInput:
		apiErr.Code = ErrCodeDeployInvalid
		statusCode = http.StatusBadRequest
	default:
		apiErr.Code = ErrCodeDeployFailed
	}

	writeJSON(w, statusCode, apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details.
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error.
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}
