// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the control surface for the job queue and the worker pool.
// The package follows clean architecture principles and provides a clear
// separation between HTTP concerns and business logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/foliosource/bindery/internal/domain"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

// writeJSON emits the payload with the timestamp every response carries.
func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain sentinels to HTTP statuses. ErrConflict maps to 400
// because the control surface treats repeating the current state as a bad
// request, not a resource conflict.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrPolicyDenied):
		code = http.StatusBadRequest
		codeStr = "POLICY_DENIED"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusBadRequest
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrStoreFailed):
		code = http.StatusServiceUnavailable
		codeStr = "STORE_UNAVAILABLE"
	}
	writeJSON(w, code, map[string]any{"error": apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// writeUnavailable is the 503 for surfaces whose backing component is not
// wired in this process, like /worker/* on an API-only deployment.
func writeUnavailable(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error": apiError{Code: "UNAVAILABLE", Message: msg},
	})
}
