package ratelimit

import (
	"context"
	"time"
)

// Violation describes a quota breach. It is the limiter's sole hook into the
// escalation path: handlers registered with OnViolation receive one event per
// rejected request.
type Violation struct {
	Key          string        `json:"key"`
	Count        int           `json:"count"`
	Limit        int           `json:"limit"`
	Window       time.Duration `json:"window_ms"`
	ResetTime    time.Time     `json:"reset_time"`
	FirstRequest bool          `json:"first_request"`
	ClientIP     string        `json:"ip_address,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
}

// ViolationHandler consumes violation events. Handlers run synchronously on
// the request path and must not block; anything slow belongs behind a queue.
type ViolationHandler func(ctx context.Context, v Violation)

// OnViolation registers a handler for quota breaches. Safe to call
// concurrently with Check, though handlers are normally registered once at
// startup.
func (l *Limiter) OnViolation(h ViolationHandler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

func (l *Limiter) dispatchViolation(ctx context.Context, v Violation) {
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, v)
	}
}
