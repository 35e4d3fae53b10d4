package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/adops-io/entity-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// ApiResponse wraps data in the envelope clients expect.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// statusForError maps the storage error taxonomy onto HTTP status codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "entity_not_found"
	case errors.Is(err, apperrors.ErrStaleEntity):
		return http.StatusConflict, "stale_version"
	case errors.Is(err, apperrors.ErrVersionSequence):
		return http.StatusConflict, "version_sequence"
	case errors.Is(err, apperrors.ErrDuplicateKey):
		return http.StatusConflict, "duplicate_key"
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	default:
		return http.StatusInternalServerError, "storage_failure"
	}
}
