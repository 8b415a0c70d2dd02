package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kmorand/vigil/audit"
	"github.com/kmorand/vigil/session"
)

// Health reports service liveness. It is not rate limited.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ListIncidents returns all incidents, newest first.
func (a *API) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := a.engine.List(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

// GetIncident returns a single incident with its full timeline.
func (a *API) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.engine.Get(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// CloseIncident closes an incident with a resolution note. Closing is
// unconditional: it succeeds whatever the current escalation level.
func (a *API) CloseIncident(w http.ResponseWriter, r *http.Request) {
	var req CloseIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Resolution == "" {
		writeError(w, http.StatusBadRequest, "resolution is required")
		return
	}

	inc, err := a.engine.CloseIncident(r.Context(), chi.URLParam(r, "incidentID"), req.Resolution)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.Log(r.Context(), audit.EventIncidentClosed,
		slog.String("incident_id", inc.ID),
		slog.String("resolution", req.Resolution),
	)
	writeJSON(w, http.StatusOK, inc)
}

// ListSessions returns the principal's active sessions, oldest first.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")
	sessions, err := a.sessions.ActiveSessions(r.Context(), principalID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionListResponse{
		PrincipalID: principalID,
		Sessions:    sessions,
		Count:       len(sessions),
	})
}

// TerminateSessions ends every active session for the principal.
func (a *API) TerminateSessions(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")

	reason := session.TerminatedManual
	if r.ContentLength > 0 {
		var req TerminateSessionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Reason != "" {
			reason = session.TerminationReason(req.Reason)
		}
	}

	n, err := a.sessions.TerminateAll(r.Context(), principalID, reason)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.LogPrincipal(r.Context(), audit.EventSessionTerminated, principalID,
		slog.Int("count", n),
		slog.String("reason", string(reason)),
	)
	writeJSON(w, http.StatusOK, TerminateSessionsResponse{Terminated: n})
}

// ValidateSession checks a session against the caller's current origin.
// All failures return the same generic 401.
func (a *API) ValidateSession(w http.ResponseWriter, r *http.Request) {
	var req ValidateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.PrincipalID == "" {
		writeError(w, http.StatusBadRequest, "session_id and principal_id are required")
		return
	}

	rec, err := a.sessions.Validate(r.Context(), req.SessionID, req.PrincipalID, session.Binding{
		OriginIP: a.clientIP(r),
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateSessionResponse{
		SessionID: rec.SessionID,
		ExpiresAt: rec.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// RateLimitStats exposes the quota store's counters.
func (a *API) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.limiter.Stats(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
