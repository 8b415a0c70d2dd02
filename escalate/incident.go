// Package escalate turns security violations into tracked incidents that
// escalate through timed levels unless closed.
//
// An incident moves open -> escalated(level 1..N) -> closed. Each pending
// escalation is a one-shot timer; firing a timer for a since-closed incident
// is a safe no-op, decided by re-reading the incident's status at fire time
// rather than by relying on cancellation having succeeded.
package escalate

import (
	"errors"
	"time"
)

// ErrIncidentNotFound is returned when an incident id does not resolve.
// A caller error; not retried.
var ErrIncidentNotFound = errors.New("incident not found")

// Severity ranks an incident. Severities form a ladder: escalation moves an
// incident's attention level toward critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ladder orders severities from least to most urgent.
var ladder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func severityIndex(s Severity) int {
	for i, v := range ladder {
		if v == s {
			return i
		}
	}
	return 0
}

// Status is an incident's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusEscalated Status = "escalated"
	StatusClosed    Status = "closed"
)

// TimelineEntry is one step in an incident's audit trail.
type TimelineEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
}

// ActionResult records the outcome of one automatic-response step.
type ActionResult struct {
	Action    string    `json:"action"`
	Status    string    `json:"status"` // "ok" or "failed"
	Timestamp time.Time `json:"timestamp"`
}

// Event is a violation or security event submitted to the engine.
type Event struct {
	Type     string            `json:"type"`
	Severity Severity          `json:"severity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Incident is a tracked security incident. Incidents are never deleted;
// closed incidents are retained for audit.
type Incident struct {
	ID                  string            `json:"id"`
	Type                string            `json:"type"`
	Severity            Severity          `json:"severity"`
	Status              Status            `json:"status"`
	EscalationLevel     int               `json:"escalation_level"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	ClosedAt            *time.Time        `json:"closed_at,omitempty"`
	Timeline            []TimelineEntry   `json:"timeline"`
	AutoActionsExecuted []ActionResult    `json:"auto_actions_executed,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// appendTimeline records an action on the incident and touches UpdatedAt.
func (i *Incident) appendTimeline(action, description string, now time.Time) {
	i.Timeline = append(i.Timeline, TimelineEntry{
		Timestamp:   now,
		Action:      action,
		Description: description,
	})
	i.UpdatedAt = now
}

// Rule is the immutable per-severity escalation configuration, loaded once
// at engine construction and read-only thereafter.
type Rule struct {
	Severity Severity `json:"severity"`
	// EscalateAfter is how long an incident of this severity may stay at
	// its current level before escalating. Zero means escalate
	// immediately, with no timer needed (critical).
	EscalateAfter time.Duration `json:"escalate_after_ms"`
	// Channels are the notification channel kinds for escalations reaching
	// this severity.
	Channels []string `json:"notification_channels"`
	// AutoActions are the automatic-response steps run, in order, when an
	// incident of this severity is created.
	AutoActions []string `json:"auto_actions"`
}

// DefaultRules returns a conservative rule set: low incidents escalate after
// a day, medium after an hour, high after fifteen minutes, critical
// immediately.
func DefaultRules() []Rule {
	return []Rule{
		{Severity: SeverityLow, EscalateAfter: 24 * time.Hour, Channels: []string{"email"}},
		{Severity: SeverityMedium, EscalateAfter: time.Hour, Channels: []string{"email", "chat"}},
		{Severity: SeverityHigh, EscalateAfter: 15 * time.Minute, Channels: []string{"chat", "webhook"}},
		{Severity: SeverityCritical, EscalateAfter: 0, Channels: []string{"pager", "webhook"}},
	}
}
