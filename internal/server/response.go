package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencode-ai/nexus/internal/logging"
	"github.com/opencode-ai/nexus/pkg/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeStreamInProgress  = "STREAM_IN_PROGRESS"
	ErrCodeServerNotReady    = "SERVER_NOT_READY"
	ErrCodeServerUnavailable = "SERVER_UNAVAILABLE"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeDomainError maps well-known errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, types.ErrStreamInProgress):
		writeError(w, http.StatusConflict, ErrCodeStreamInProgress, err.Error())
	case errors.Is(err, types.ErrServerNotReady):
		writeError(w, http.StatusServiceUnavailable, ErrCodeServerNotReady, err.Error())
	case errors.Is(err, types.ErrUnauthorized):
		writeError(w, http.StatusForbidden, ErrCodePermissionDenied, err.Error())
	case errors.Is(err, types.ErrBindConflict):
		writeError(w, http.StatusConflict, ErrCodeServerUnavailable, err.Error())
	case errors.Is(err, types.ErrExecutableNotFound):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, types.ErrUnresponsive):
		writeError(w, http.StatusBadGateway, ErrCodeServerUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
