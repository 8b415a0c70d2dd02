// Package postgres implements session.Store backed by PostgreSQL.
//
// The sessions table stores one row per session record, keyed by session id,
// with an index on (principal_id, is_active) for the enforcer's concurrency
// scan. Rows are updated in place on termination and never deleted here.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kmorand/vigil/session"
)

//go:embed schema.sql
var schemaSQL string

// Store implements session.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ session.Store = (*Store)(nil)

// EnsureSchema creates the sessions table and indexes if they do not exist.
// Safe to call on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// New returns a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewFromDSN creates a connection pool from a DSN string, ensures the schema
// exists, and returns a new Store.
func NewFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Insert(ctx context.Context, rec session.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, principal_id, origin_ip, user_agent_hash,
		                       device_fingerprint, created_at, last_activity_at,
		                       expires_at, is_active, terminated_at, termination_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.SessionID, rec.PrincipalID, rec.OriginIP, rec.UserAgentHash,
		rec.DeviceFingerprint, rec.CreatedAt, rec.LastActivityAt,
		rec.ExpiresAt, rec.Active, rec.TerminatedAt, nullableReason(rec.TerminationReason))
	return err
}

func (s *Store) Get(ctx context.Context, sessionID string) (session.Record, bool, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT session_id, principal_id, origin_ip, user_agent_hash,
		        device_fingerprint, created_at, last_activity_at,
		        expires_at, is_active, terminated_at, termination_reason
		 FROM sessions WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Record{}, false, nil
	}
	if err != nil {
		return session.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Update(ctx context.Context, rec session.Record) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET last_activity_at = $2, is_active = $3, terminated_at = $4, termination_reason = $5
		 WHERE session_id = $1`,
		rec.SessionID, rec.LastActivityAt, rec.Active, rec.TerminatedAt,
		nullableReason(rec.TerminationReason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s does not exist", rec.SessionID)
	}
	return nil
}

func (s *Store) ActiveForPrincipal(ctx context.Context, principalID string) ([]session.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, principal_id, origin_ip, user_agent_hash,
		        device_fingerprint, created_at, last_activity_at,
		        expires_at, is_active, terminated_at, termination_reason
		 FROM sessions
		 WHERE principal_id = $1 AND is_active
		 ORDER BY created_at, session_id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (session.Record, error) {
	var rec session.Record
	var reason *string
	err := row.Scan(&rec.SessionID, &rec.PrincipalID, &rec.OriginIP, &rec.UserAgentHash,
		&rec.DeviceFingerprint, &rec.CreatedAt, &rec.LastActivityAt,
		&rec.ExpiresAt, &rec.Active, &rec.TerminatedAt, &reason)
	if err != nil {
		return session.Record{}, err
	}
	if reason != nil {
		rec.TerminationReason = session.TerminationReason(*reason)
	}
	return rec, nil
}

func nullableReason(r session.TerminationReason) *string {
	if r == "" {
		return nil
	}
	s := string(r)
	return &s
}
