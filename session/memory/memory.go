// Package memory provides a thread-safe in-memory implementation of
// session.Store. Records are lost on restart; suitable for single-process
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kmorand/vigil/session"
)

// Store is a mutex-guarded map implementation of session.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]session.Record
}

var _ session.Store = (*Store)(nil)

// New creates an empty in-memory session store.
func New() *Store {
	return &Store{data: make(map[string]session.Record)}
}

func (s *Store) Insert(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[rec.SessionID]; exists {
		return fmt.Errorf("session %s already exists", rec.SessionID)
	}
	s.data[rec.SessionID] = rec
	return nil
}

func (s *Store) Get(_ context.Context, sessionID string) (session.Record, bool, error) {
	s.mu.RLock()
	rec, ok := s.data[sessionID]
	s.mu.RUnlock()
	return rec, ok, nil
}

func (s *Store) Update(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[rec.SessionID]; !exists {
		return fmt.Errorf("session %s does not exist", rec.SessionID)
	}
	s.data[rec.SessionID] = rec
	return nil
}

func (s *Store) ActiveForPrincipal(_ context.Context, principalID string) ([]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []session.Record
	for _, rec := range s.data {
		if rec.Active && rec.PrincipalID == principalID {
			recs = append(recs, rec)
		}
	}
	// Same ordering contract as the relational impl's ORDER BY.
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].SessionID < recs[j].SessionID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}
