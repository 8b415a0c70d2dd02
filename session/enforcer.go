package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kmorand/vigil/audit"
	"github.com/kmorand/vigil/internal/util"
)

const sessionTokenBytes = 32

// Violation describes a session-binding failure worth escalating, currently
// only origin-IP mismatches. Handlers registered with OnViolation feed the
// same escalation path as rate-limit breaches.
type Violation struct {
	SessionID   string `json:"session_id"`
	PrincipalID string `json:"principal_id"`
	BoundIP     string `json:"bound_ip"`
	PresentedIP string `json:"presented_ip"`
}

// ViolationHandler consumes session violations.
type ViolationHandler func(ctx context.Context, v Violation)

// Config holds the enforcer's parameters.
type Config struct {
	// MaxConcurrent caps active sessions per principal. Defaults to 3.
	MaxConcurrent int
	// TTL is the absolute session lifetime. Defaults to 24h.
	TTL time.Duration
}

// Enforcer tracks active sessions per principal, enforces the concurrency
// cap, and validates session binding on each use.
type Enforcer struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	audit  *audit.Logger

	mu       sync.RWMutex
	handlers []ViolationHandler
}

// Option configures the Enforcer.
type Option func(*Enforcer)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) {
		e.logger = logger.With("component", "session")
	}
}

// WithAuditLogger routes session lifecycle events into the security audit
// log.
func WithAuditLogger(al *audit.Logger) Option {
	return func(e *Enforcer) {
		e.audit = al
	}
}

// NewEnforcer creates a session concurrency enforcer over the given store.
func NewEnforcer(st Store, cfg Config, opts ...Option) *Enforcer {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	e := &Enforcer{store: st, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "session")
	}
	return e
}

// OnViolation registers a handler for binding violations.
func (e *Enforcer) OnViolation(h ViolationHandler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

func (e *Enforcer) dispatchViolation(ctx context.Context, v Violation) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, v)
	}
}

// Create opens a new session for the principal. When the principal is at or
// above the concurrency cap, the oldest active sessions are terminated with
// reason CONCURRENT_LIMIT until the new session fits; immediately after
// Create returns, the principal's active count never exceeds the cap.
// Evicted records are returned so callers can audit them.
func (e *Enforcer) Create(ctx context.Context, principalID string, b Binding) (Record, []Record, error) {
	active, err := e.store.ActiveForPrincipal(ctx, principalID)
	if err != nil {
		return Record{}, nil, fmt.Errorf("listing active sessions: %w", err)
	}
	sortByAge(active)

	now := time.Now()
	var evicted []Record
	// Evict oldest-first until one slot is free. Normally this terminates
	// exactly one session; the loop also repairs any overshoot left by a
	// concurrent-create race.
	for len(active)-len(evicted) >= e.cfg.MaxConcurrent {
		victim := active[len(evicted)]
		victim.Terminate(TerminatedConcurrentLimit, now)
		if err := e.store.Update(ctx, victim); err != nil {
			return Record{}, evicted, fmt.Errorf("evicting session %s: %w", victim.SessionID, err)
		}
		e.logger.LogAttrs(ctx, slog.LevelInfo, "session evicted",
			slog.String("principal_id", principalID),
			slog.String("session_id", victim.SessionID),
			slog.String("reason", string(TerminatedConcurrentLimit)),
		)
		e.audit.LogPrincipal(ctx, audit.EventSessionEvicted, principalID,
			slog.String("session_id", victim.SessionID),
		)
		evicted = append(evicted, victim)
	}

	token, err := util.RandomToken(sessionTokenBytes)
	if err != nil {
		return Record{}, evicted, fmt.Errorf("generating session token: %w", err)
	}
	rec := Record{
		SessionID:         token,
		PrincipalID:       principalID,
		OriginIP:          b.OriginIP,
		UserAgentHash:     b.UserAgentHash,
		DeviceFingerprint: b.DeviceFingerprint,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(e.cfg.TTL),
		Active:            true,
	}
	if err := e.store.Insert(ctx, rec); err != nil {
		return Record{}, evicted, fmt.Errorf("inserting session: %w", err)
	}
	e.audit.LogPrincipal(ctx, audit.EventSessionCreated, principalID,
		slog.String("session_id", rec.SessionID),
		slog.String("origin_ip", rec.OriginIP),
	)
	return rec, evicted, nil
}

// Validate checks a session against its stored binding and lifetime.
//
// Failures are terminal for the record where noted: an expired session is
// terminated with EXPIRED, and an origin-IP mismatch is terminated with
// IP_MISMATCH. A mismatch is a hard fail, never a warning, and emits a
// violation event. On success, LastActivityAt is updated.
func (e *Enforcer) Validate(ctx context.Context, sessionID, principalID string, b Binding) (Record, error) {
	rec, ok, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return Record{}, fmt.Errorf("loading session: %w", err)
	}
	if !ok || !rec.Active || rec.PrincipalID != principalID {
		return Record{}, ErrNotFound
	}

	now := time.Now()
	if rec.Expired(now) {
		rec.Terminate(TerminatedExpired, now)
		if err := e.store.Update(ctx, rec); err != nil {
			e.logger.LogAttrs(ctx, slog.LevelError, "terminating expired session",
				slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
		e.audit.LogPrincipal(ctx, audit.EventSessionExpired, principalID,
			slog.String("session_id", sessionID),
		)
		return Record{}, ErrExpired
	}

	if b.OriginIP != rec.OriginIP {
		rec.Terminate(TerminatedIPMismatch, now)
		if err := e.store.Update(ctx, rec); err != nil {
			e.logger.LogAttrs(ctx, slog.LevelError, "terminating mismatched session",
				slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
		e.dispatchViolation(ctx, Violation{
			SessionID:   sessionID,
			PrincipalID: principalID,
			BoundIP:     rec.OriginIP,
			PresentedIP: b.OriginIP,
		})
		return Record{}, ErrIPMismatch
	}

	rec.LastActivityAt = now
	if err := e.store.Update(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("touching session: %w", err)
	}
	return rec, nil
}

// TerminateAll marks every active session of the principal inactive with the
// given reason. Used for account-wide security events (password change, role
// change, detected compromise). Returns the number of sessions terminated.
func (e *Enforcer) TerminateAll(ctx context.Context, principalID string, reason TerminationReason) (int, error) {
	active, err := e.store.ActiveForPrincipal(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}
	now := time.Now()
	terminated := 0
	for _, rec := range active {
		rec.Terminate(reason, now)
		if err := e.store.Update(ctx, rec); err != nil {
			return terminated, fmt.Errorf("terminating session %s: %w", rec.SessionID, err)
		}
		terminated++
	}
	if terminated > 0 {
		e.logger.LogAttrs(ctx, slog.LevelInfo, "terminated all sessions",
			slog.String("principal_id", principalID),
			slog.String("reason", string(reason)),
			slog.Int("count", terminated),
		)
	}
	return terminated, nil
}

// ActiveSessions returns the principal's active sessions, oldest first.
func (e *Enforcer) ActiveSessions(ctx context.Context, principalID string) ([]Record, error) {
	active, err := e.store.ActiveForPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	sortByAge(active)
	return active, nil
}

// sortByAge orders records by CreatedAt ascending, ties by session id, so
// eviction picks a deterministic victim even for identical timestamps.
func sortByAge(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].SessionID < recs[j].SessionID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
