package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"audioingest/apperr"
	"audioingest/logger"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", logger.ErrorField(err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrKeyValidation), errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrObjectNotFound):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrTransientProvider):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Server-side failures are logged and their detail withheld.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "5")
		logger.Warn("Provider temporarily unavailable", logger.ErrorField(err))
		writeJSONError(w, status, "storage or database temporarily unavailable, retry later")
	case status >= 500:
		logger.Error("Request failed", logger.ErrorField(err))
		writeJSONError(w, status, "internal server error")
	default:
		writeJSONError(w, status, err.Error())
	}
}
