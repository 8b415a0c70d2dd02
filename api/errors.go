package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kmorand/vigil/escalate"
	"github.com/kmorand/vigil/session"
	"github.com/kmorand/vigil/store"
)

// reauthMessage is returned for every session validation failure. The
// message is deliberately identical for missing, expired, and IP-mismatched
// sessions so a caller cannot probe which check failed.
const reauthMessage = "session invalid, re-authentication required"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrIPMismatch):
		writeError(w, http.StatusUnauthorized, reauthMessage)
	case errors.Is(err, escalate.ErrIncidentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
