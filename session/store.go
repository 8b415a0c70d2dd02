package session

import "context"

// Store abstracts session record persistence so the enforcer can run against
// an in-process map (session/memory) or a relational table (session/postgres).
//
// The enforcer's read-evict-insert sequence is not wrapped in a cross-process
// transaction; implementations should use the backend's own primitives to
// keep the overflow window short, but no global lock is required.
type Store interface {
	// Insert adds a new record. The session id must be unique.
	Insert(ctx context.Context, rec Record) error
	// Get returns the record for the session id, active or not.
	Get(ctx context.Context, sessionID string) (Record, bool, error)
	// Update overwrites an existing record.
	Update(ctx context.Context, rec Record) error
	// ActiveForPrincipal returns the principal's active records ordered by
	// CreatedAt ascending, ties broken by session id.
	ActiveForPrincipal(ctx context.Context, principalID string) ([]Record, error)
}
