// Package ratelimit implements per-key admission control using fixed-window
// counting over a pluggable quota store.
//
// Fixed-window counting resets the counter at fixed wall-clock intervals.
// A key straddling a window boundary is reset exactly once, on the first
// request observed after the window ends; adjacent windows can therefore
// admit up to 2x MaxRequests in the worst case. That burstiness is an
// accepted, documented property of the algorithm, not a bug.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/kmorand/vigil/audit"
	"github.com/kmorand/vigil/store"
)

// FailureMode selects the behaviour when the quota store is unavailable.
type FailureMode int

const (
	// FailOpen admits the request when the store cannot be reached.
	FailOpen FailureMode = iota
	// FailClosed rejects the request with a distinct service-unavailable
	// outcome when the store cannot be reached.
	FailClosed
)

// KeyFunc derives the quota key for a request (IP, user id, API key, ...).
type KeyFunc func(req Request) string

// SkipFunc exempts matching requests from rate limiting entirely; the store
// is not touched for skipped requests.
type SkipFunc func(req Request) bool

// Config holds the limiter's enforcement parameters.
type Config struct {
	// Window is the fixed counting window.
	Window time.Duration
	// MaxRequests is the admission cap per key per window.
	MaxRequests int
	// KeyFunc derives the quota key. Defaults to the client IP.
	KeyFunc KeyFunc
	// SkipFuncs are evaluated in order; the first match bypasses the limiter.
	SkipFuncs []SkipFunc
	// FailureMode governs behaviour on store errors. Defaults to FailOpen.
	FailureMode FailureMode
}

// Decision is the outcome of an admission check. The mapping of a rejected
// decision to HTTP 429 plus the X-RateLimit-* and Retry-After headers is a
// fixed contract; boundary layers must not alter it.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Skipped is true when a SkipFunc exempted the request.
	Skipped bool `json:"skipped,omitempty"`
	// Unavailable is true when the store was down and FailClosed rejected
	// the request; the boundary maps this to 503, not 429.
	Unavailable bool      `json:"unavailable,omitempty"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetTime   time.Time `json:"reset_time"`
	// RetryAfter is whole seconds until the window resets, rounded up.
	// Zero unless the request was rejected.
	RetryAfter int `json:"retry_after,omitempty"`
}

// Limiter enforces a fixed-window request quota per key. Construct once at
// process start and share across request handlers; there is no global
// instance.
type Limiter struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	audit  *audit.Logger

	mu       sync.RWMutex
	handlers []ViolationHandler
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger.With("component", "ratelimit")
	}
}

// WithAuditLogger routes store failures into the security audit log.
func WithAuditLogger(al *audit.Logger) Option {
	return func(l *Limiter) {
		l.audit = al
	}
}

// New creates a Limiter over the given quota store.
func New(st store.Store, cfg Config, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(req Request) string { return req.ClientIP }
	}
	l := &Limiter{store: st, cfg: cfg}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "ratelimit")
	}
	return l
}

// Check decides whether the request is admitted under the key's quota.
// Store failures never escape: they are logged and resolved according to
// the configured failure mode.
func (l *Limiter) Check(ctx context.Context, req Request) Decision {
	key := l.cfg.KeyFunc(req)

	for _, skip := range l.cfg.SkipFuncs {
		if skip(req) {
			return Decision{Allowed: true, Skipped: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests}
		}
	}

	now := time.Now()

	rec, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return l.storeFailure(ctx, "get", key, err)
	}
	firstRequest := false
	if !ok || rec.Expired(now) {
		// Fresh window: either the key was never seen or its previous
		// window ended. Reset happens exactly once per boundary.
		rec = store.Record{
			Key:         key,
			Count:       0,
			WindowStart: now,
			WindowEnd:   now.Add(l.cfg.Window),
			Window:      l.cfg.Window,
		}
		firstRequest = true
	}

	if rec.Count >= l.cfg.MaxRequests {
		retryAfter := secondsUntil(rec.WindowEnd, now)
		l.dispatchViolation(ctx, Violation{
			Key:          key,
			Count:        rec.Count,
			Limit:        l.cfg.MaxRequests,
			Window:       l.cfg.Window,
			ResetTime:    rec.WindowEnd,
			FirstRequest: firstRequest,
			ClientIP:     req.ClientIP,
			UserID:       req.UserID,
		})
		return Decision{
			Allowed:    false,
			Limit:      l.cfg.MaxRequests,
			Remaining:  0,
			ResetTime:  rec.WindowEnd,
			RetryAfter: retryAfter,
		}
	}

	rec.Count++
	if err := l.store.Set(ctx, key, rec, rec.WindowEnd.Sub(now)); err != nil {
		return l.storeFailure(ctx, "set", key, err)
	}

	return Decision{
		Allowed:   true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - rec.Count,
		ResetTime: rec.WindowEnd,
	}
}

// Stats reports the underlying store's state.
func (l *Limiter) Stats(ctx context.Context) (store.Stats, error) {
	return l.store.Stats(ctx)
}

func (l *Limiter) storeFailure(ctx context.Context, op, key string, err error) Decision {
	l.logger.LogAttrs(ctx, slog.LevelError, "quota store failure",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
		slog.Bool("fail_open", l.cfg.FailureMode == FailOpen),
	)
	l.audit.Log(ctx, audit.EventAdmissionStoreFailed,
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	if l.cfg.FailureMode == FailOpen {
		return Decision{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests}
	}
	return Decision{Allowed: false, Unavailable: true, Limit: l.cfg.MaxRequests}
}

// secondsUntil returns whole seconds from now until t, rounded up, minimum 1.
func secondsUntil(t, now time.Time) int {
	secs := int(math.Ceil(t.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
