package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/neurareport/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteServiceError maps an error onto a status code and writes it.
// Fatal input errors are surfaced verbatim.
func WriteServiceError(w http.ResponseWriter, err error) error {
	return WriteError(w, StatusFor(err), err.Error())
}

// StatusFor returns the HTTP status for a service error
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotCancellable), errors.Is(err, models.ErrNotRetryable), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidDateRange),
		errors.Is(err, models.ErrContractNotFound),
		errors.Is(err, models.ErrTemplateNotFound),
		errors.Is(err, models.ErrInvalidContract),
		errors.Is(err, models.ErrUnknownConnection),
		errors.Is(err, models.ErrUnknownBatch):
		return http.StatusBadRequest
	case models.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// PathSegments splits the path after prefix: "/api/jobs/abc/manifest" -> ["abc", "manifest"]
func PathSegments(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
