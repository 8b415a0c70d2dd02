package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kmorand/vigil/audit"
	"github.com/kmorand/vigil/escalate"
	"github.com/kmorand/vigil/ratelimit"
	"github.com/kmorand/vigil/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	limiter        *ratelimit.Limiter
	sessions       *session.Enforcer
	engine         *escalate.Engine
	audit          *audit.Logger
	trustedProxies []netip.Prefix
}

// Option configures the API instance.
type Option func(*API)

// WithAuditLogger sets the structured audit logger.
// If not set, a default JSON logger writing to stderr is used.
func WithAuditLogger(al *audit.Logger) Option {
	return func(a *API) {
		a.audit = al
	}
}

// WithTrustedProxies sets the CIDRs whose forwarding headers are honored
// when extracting the client IP.
func WithTrustedProxies(proxies []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = proxies
	}
}

// New creates a new API instance and wires the limiter's and enforcer's
// violation streams into the escalation engine and the audit log.
func New(limiter *ratelimit.Limiter, sessions *session.Enforcer, engine *escalate.Engine, opts ...Option) *API {
	a := &API{
		limiter:  limiter,
		sessions: sessions,
		engine:   engine,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = audit.NewLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)), nil)
	}

	a.limiter.OnViolation(a.onQuotaViolation)
	a.sessions.OnViolation(a.onSessionViolation)
	return a
}

// Router returns a chi.Router with all routes mounted. Everything except
// the health endpoint sits behind the admission middleware.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", a.Health)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(a.limiter, ratelimit.MiddlewareOptions{
			TrustedProxies: a.trustedProxies,
		}))

		r.Get("/incidents", a.ListIncidents)
		r.Get("/incidents/{incidentID}", a.GetIncident)
		r.Post("/incidents/{incidentID}/close", a.CloseIncident)

		r.Get("/sessions/{principalID}", a.ListSessions)
		r.Post("/sessions/{principalID}/terminate", a.TerminateSessions)
		r.Post("/sessions/validate", a.ValidateSession)

		r.Get("/ratelimit/stats", a.RateLimitStats)
	})

	return r
}

// onQuotaViolation feeds a quota breach into the audit log and opens (or
// updates) an incident for it.
func (a *API) onQuotaViolation(ctx context.Context, v ratelimit.Violation) {
	a.audit.Log(ctx, audit.EventAdmissionRejected,
		slog.String("key", v.Key),
		slog.Int("count", v.Count),
		slog.Int("limit", v.Limit),
	)

	ev := escalate.Event{
		Type:     escalate.EventRateLimitExceeded,
		Severity: escalate.SeverityMedium,
		Metadata: map[string]string{
			"key":   v.Key,
			"count": strconv.Itoa(v.Count),
			"limit": strconv.Itoa(v.Limit),
		},
	}
	if v.ClientIP != "" {
		ev.Metadata["ipAddress"] = v.ClientIP
	}
	if v.UserID != "" {
		ev.Metadata["userId"] = v.UserID
	}
	if _, err := a.engine.HandleViolation(ctx, ev); err != nil {
		slog.Warn("incident intake failed", "type", ev.Type, "error", err)
	}
}

// onSessionViolation feeds a session IP mismatch into the audit log and
// opens a high-severity incident.
func (a *API) onSessionViolation(ctx context.Context, v session.Violation) {
	a.audit.LogPrincipal(ctx, audit.EventSessionIPMismatch, v.PrincipalID,
		slog.String("session_id", v.SessionID),
		slog.String("bound_ip", v.BoundIP),
		slog.String("presented_ip", v.PresentedIP),
	)

	ev := escalate.Event{
		Type:     escalate.EventSessionIPMismatch,
		Severity: escalate.SeverityHigh,
		Metadata: map[string]string{
			"key":       v.SessionID,
			"userId":    v.PrincipalID,
			"ipAddress": v.PresentedIP,
			"boundIp":   v.BoundIP,
		},
	}
	if _, err := a.engine.HandleViolation(ctx, ev); err != nil {
		slog.Warn("incident intake failed", "type", ev.Type, "error", err)
	}
}

func (a *API) clientIP(r *http.Request) string {
	return ratelimit.ClientIP(r, a.trustedProxies)
}
