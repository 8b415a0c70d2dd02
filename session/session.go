// Package session enforces per-principal session concurrency and binding.
//
// The enforcer caps how many simultaneous sessions a principal may hold,
// evicting the oldest on overflow, and validates origin binding on every use.
// Terminated records are kept (inactive) rather than deleted.
package session

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by Validate. They are distinct internally; the
// HTTP boundary collapses them into a generic re-authenticate signal so a
// caller cannot probe which check failed.
var (
	ErrNotFound   = errors.New("session not found")
	ErrExpired    = errors.New("session expired")
	ErrIPMismatch = errors.New("session origin IP mismatch")
)

// TerminationReason records why a session was ended.
type TerminationReason string

const (
	TerminatedExpired         TerminationReason = "EXPIRED"
	TerminatedIPMismatch      TerminationReason = "IP_MISMATCH"
	TerminatedConcurrentLimit TerminationReason = "CONCURRENT_LIMIT"
	TerminatedManual          TerminationReason = "MANUAL"
	TerminatedSecurityEvent   TerminationReason = "SECURITY_EVENT"
)

// Binding is the request-origin metadata a session is bound to at creation.
// It is derived by an external request-metadata extractor and passed in
// unchanged.
type Binding struct {
	OriginIP          string `json:"origin_ip"`
	UserAgentHash     string `json:"user_agent_hash"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// Record is the server-side state of one session.
type Record struct {
	SessionID         string            `json:"session_id"`
	PrincipalID       string            `json:"principal_id"`
	OriginIP          string            `json:"origin_ip"`
	UserAgentHash     string            `json:"user_agent_hash"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Active            bool              `json:"is_active"`
	TerminatedAt      *time.Time        `json:"terminated_at,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
}

// Expired reports whether the session's absolute lifetime has passed.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Terminate marks the record inactive with the given reason.
func (r *Record) Terminate(reason TerminationReason, now time.Time) {
	r.Active = false
	r.TerminatedAt = &now
	r.TerminationReason = reason
}
