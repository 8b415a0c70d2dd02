// Package memory provides a thread-safe in-process implementation of
// store.Store. Suitable for single-process deployments, testing, and demos.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kmorand/vigil/store"
)

const defaultSweepInterval = 2 * time.Minute

// Store is a mutex-guarded map implementation of store.Store. A background
// janitor removes expired records periodically as a memory bound; Get never
// depends on the sweep having run.
type Store struct {
	mu   sync.RWMutex
	data map[string]entry

	sweepInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
}

type entry struct {
	rec       store.Record
	expiresAt time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithSweepInterval overrides the default 2 minute janitor interval.
// An interval <= 0 disables the janitor.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// New creates an in-process quota store and starts its janitor.
func New(opts ...Option) *Store {
	s := &Store{
		data:          make(map[string]entry),
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		go s.janitor()
	}
	return s
}

// Close stops the janitor. The store remains usable afterwards; only the
// background housekeeping stops.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) Get(_ context.Context, key string) (store.Record, bool, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return store.Record{}, false, nil
	}
	// Expired records are logically absent even before the sweep runs.
	if !time.Now().Before(e.expiresAt) || e.rec.Expired(time.Now()) {
		return store.Record{}, false, nil
	}
	return e.rec, true, nil
}

func (s *Store) Set(_ context.Context, key string, rec store.Record, ttl time.Duration) error {
	s.mu.Lock()
	s.data[key] = entry{rec: rec, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	s.data = make(map[string]entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.RLock()
	size := len(s.data)
	s.mu.RUnlock()
	return store.Stats{Size: size, Backend: "memory"}, nil
}

// sweep removes physically expired entries. Housekeeping only.
func (s *Store) sweep() {
	now := time.Now()
	s.mu.Lock()
	for k, e := range s.data {
		if !now.Before(e.expiresAt) || e.rec.Expired(now) {
			delete(s.data, k)
		}
	}
	s.mu.Unlock()
}

func (s *Store) janitor() {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.sweep()
		}
	}
}
