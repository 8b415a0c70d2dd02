package escalate

import (
	"context"
	"sync"
)

// Store abstracts incident persistence. Incidents are created and updated,
// never deleted; closed incidents remain readable for audit.
type Store interface {
	// Create persists a new incident.
	Create(ctx context.Context, inc *Incident) error
	// Get returns the incident by id, or ErrIncidentNotFound.
	Get(ctx context.Context, id string) (*Incident, error)
	// Update overwrites an existing incident, or ErrIncidentNotFound.
	Update(ctx context.Context, inc *Incident) error
	// List returns all incidents, newest first.
	List(ctx context.Context) ([]*Incident, error)
}

// MemoryStore is a thread-safe in-memory Store. Incidents are lost on
// restart; use the bbolt-backed store for durable audit retention.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Incident
	ids  []string // insertion order
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory incident store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Incident)}
}

func (s *MemoryStore) Create(_ context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneIncident(inc)
	s.data[inc.ID] = cp
	s.ids = append(s.ids, inc.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.data[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	return cloneIncident(inc), nil
}

func (s *MemoryStore) Update(_ context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[inc.ID]; !ok {
		return ErrIncidentNotFound
	}
	s.data[inc.ID] = cloneIncident(inc)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Incident, 0, len(s.ids))
	for i := len(s.ids) - 1; i >= 0; i-- {
		out = append(out, cloneIncident(s.data[s.ids[i]]))
	}
	return out, nil
}

// cloneIncident isolates stored state from caller mutation.
func cloneIncident(inc *Incident) *Incident {
	cp := *inc
	cp.Timeline = append([]TimelineEntry(nil), inc.Timeline...)
	cp.AutoActionsExecuted = append([]ActionResult(nil), inc.AutoActionsExecuted...)
	if inc.Metadata != nil {
		cp.Metadata = make(map[string]string, len(inc.Metadata))
		for k, v := range inc.Metadata {
			cp.Metadata[k] = v
		}
	}
	if inc.ClosedAt != nil {
		t := *inc.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
