// Package store provides the quota storage abstraction used by the rate
// limiter. A Store is a key/value map with per-entry expiry; implementations
// exist for in-process use (store/memory) and for multi-process deployments
// sharing a cache (store/redis).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned (possibly wrapped) when the backing store
// cannot be reached. Callers on the admission path recover from it according
// to their configured failure mode; it is never allowed to escape uncaught.
var ErrUnavailable = errors.New("quota store unavailable")

// Record is a per-key fixed-window counter. Records are owned by the Store
// and mutated only through Set.
//
// A record is logically expired once now >= WindowEnd and must be treated as
// absent by Get, whether or not housekeeping has physically removed it.
type Record struct {
	Key         string        `json:"key"`
	Count       int           `json:"count"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Window      time.Duration `json:"window_ms"`
}

// Expired reports whether the record's window has ended as of now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.WindowEnd)
}

// Stats describes the current state of a Store.
type Stats struct {
	Size    int    `json:"size"`
	Backend string `json:"backend"`
}

// Store is a key/value abstraction with per-entry expiry. Implementations
// must be safe for concurrent use from multiple request goroutines.
//
// Get and Set are not assumed atomic as a pair; the rate limiter's
// read-then-write against the same key may race under concurrent load, which
// is an accepted approximate-enforcement property.
type Store interface {
	// Get returns the record for key. ok is false when the key is absent
	// or the record has logically expired.
	Get(ctx context.Context, key string) (Record, bool, error)
	// Set writes the record for key with the given time-to-live.
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Delete removes the record for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
	// Clear removes every record. After Clear, Get reports absent for all
	// previously set keys.
	Clear(ctx context.Context) error
	// Stats reports the store's size and backend kind.
	Stats(ctx context.Context) (Stats, error)
}
