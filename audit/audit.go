package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event identifies the type of security-relevant action being logged.
type Event string

const (
	EventAdmissionRejected    Event = "admission_rejected"
	EventAdmissionStoreFailed Event = "admission_store_failure"
	EventSessionCreated       Event = "session_created"
	EventSessionEvicted       Event = "session_evicted"
	EventSessionExpired       Event = "session_expired"
	EventSessionIPMismatch    Event = "session_ip_mismatch"
	EventSessionTerminated    Event = "session_terminated"
	EventIncidentCreated      Event = "incident_created"
	EventIncidentEscalated    Event = "incident_escalated"
	EventIncidentClosed       Event = "incident_closed"
	EventNotificationFailed   Event = "notification_failed"
)

// Logger wraps slog.Logger for structured security audit logging. Every
// entry carries the event name and a UTC timestamp; callers attach whatever
// identifiers are safe for logs (principal IDs, client IPs, quota keys).
type Logger struct {
	logger  *slog.Logger
	metrics *Collector
}

// NewLogger creates an audit logger. The collector is optional; when set,
// each logged event also feeds anomaly detection.
func NewLogger(logger *slog.Logger, metrics *Collector) *Logger {
	return &Logger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
	}
}

// Log writes a structured audit entry and updates the anomaly counters.
// Safe on a nil receiver: components treat the audit logger as optional.
func (al *Logger) Log(ctx context.Context, event Event, attrs ...slog.Attr) {
	if al == nil {
		return
	}
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.RecordEvent(event)
	}
}

// LogPrincipal is a convenience for events tied to a principal.
func (al *Logger) LogPrincipal(ctx context.Context, event Event, principalID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("principal_id", principalID),
	}
	attrs = append(attrs, extra...)
	al.Log(ctx, event, attrs...)
}
