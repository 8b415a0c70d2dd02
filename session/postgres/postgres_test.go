package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorand/vigil/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("VIGIL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VIGIL_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "could not connect to postgres")
	require.NoError(t, EnsureSchema(ctx, pool))

	// Clean the table for test isolation.
	pool.Exec(ctx, "DELETE FROM sessions") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM sessions") //nolint:errcheck
		pool.Close()
	})
	return New(pool)
}

func record(id, principal string, createdAt time.Time) session.Record {
	return session.Record{
		SessionID:      id,
		PrincipalID:    principal,
		OriginIP:       "10.0.0.1",
		CreatedAt:      createdAt,
		LastActivityAt: createdAt,
		ExpiresAt:      createdAt.Add(time.Hour),
		Active:         true,
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, record("s1", "alice", time.Now().UTC())))

	got, ok, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", got.PrincipalID)
	assert.True(t, got.Active)
	assert.Empty(t, got.TerminationReason)
}

func TestStore_GetMissing(t *testing.T) {
	st := newTestStore(t)

	_, ok, err := st.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UpdateTermination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := record("s1", "alice", time.Now().UTC())
	require.NoError(t, st.Insert(ctx, rec))

	rec.Terminate(session.TerminatedIPMismatch, time.Now().UTC())
	require.NoError(t, st.Update(ctx, rec))

	got, ok, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Active)
	assert.Equal(t, session.TerminatedIPMismatch, got.TerminationReason)
	assert.NotNil(t, got.TerminatedAt)
}

func TestStore_UpdateMissingFails(t *testing.T) {
	st := newTestStore(t)

	err := st.Update(context.Background(), record("ghost", "alice", time.Now().UTC()))
	assert.Error(t, err)
}

func TestStore_ActiveForPrincipalOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.Insert(ctx, record("s-late", "alice", base.Add(time.Minute))))
	require.NoError(t, st.Insert(ctx, record("s-early", "alice", base)))
	// Identical created_at: ordering falls back to session_id.
	require.NoError(t, st.Insert(ctx, record("s-b", "alice", base.Add(time.Second))))
	require.NoError(t, st.Insert(ctx, record("s-a", "alice", base.Add(time.Second))))
	require.NoError(t, st.Insert(ctx, record("s-other", "bob", base)))

	recs, err := st.ActiveForPrincipal(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "s-early", recs[0].SessionID)
	assert.Equal(t, "s-a", recs[1].SessionID)
	assert.Equal(t, "s-b", recs[2].SessionID)
	assert.Equal(t, "s-late", recs[3].SessionID)
}
