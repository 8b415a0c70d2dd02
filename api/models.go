package api

import "github.com/kmorand/vigil/session"

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status string `json:"status"`
}

// SessionListResponse wraps a principal's active sessions.
type SessionListResponse struct {
	PrincipalID string           `json:"principal_id"`
	Sessions    []session.Record `json:"sessions"`
	Count       int              `json:"count"`
}

// CloseIncidentRequest carries the resolution note for closing an incident.
type CloseIncidentRequest struct {
	Resolution string `json:"resolution"`
}

// TerminateSessionsRequest optionally overrides the termination reason.
type TerminateSessionsRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TerminateSessionsResponse reports how many sessions were terminated.
type TerminateSessionsResponse struct {
	Terminated int `json:"terminated"`
}

// ValidateSessionRequest identifies the session being validated. The client
// IP is taken from the request, not the body.
type ValidateSessionRequest struct {
	SessionID   string `json:"session_id"`
	PrincipalID string `json:"principal_id"`
}

// ValidateSessionResponse is returned when validation succeeds.
type ValidateSessionResponse struct {
	SessionID string `json:"session_id"`
	ExpiresAt string `json:"expires_at"`
}
