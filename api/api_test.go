package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorand/vigil/escalate"
	"github.com/kmorand/vigil/ratelimit"
	"github.com/kmorand/vigil/session"
	sessionmem "github.com/kmorand/vigil/session/memory"
	storemem "github.com/kmorand/vigil/store/memory"
)

type testEnv struct {
	api      *API
	router   chi.Router
	limiter  *ratelimit.Limiter
	sessions *session.Enforcer
	engine   *escalate.Engine
}

func newTestEnv(t *testing.T, maxRequests int) *testEnv {
	t.Helper()

	quota := storemem.New(storemem.WithSweepInterval(0))
	t.Cleanup(quota.Close)

	limiter := ratelimit.New(quota, ratelimit.Config{
		Window:      time.Minute,
		MaxRequests: maxRequests,
	})
	enforcer := session.NewEnforcer(sessionmem.New(), session.Config{
		MaxConcurrent: 3,
		TTL:           time.Hour,
	})
	engine := escalate.NewEngine(escalate.NewMemoryStore(), nil)
	t.Cleanup(engine.Close)

	a := New(limiter, enforcer, engine)
	return &testEnv{
		api:      a,
		router:   a.Router(),
		limiter:  limiter,
		sessions: enforcer,
		engine:   engine,
	}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body) //nolint:errcheck
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 100)

	w := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"), "health is outside the admission layer")
}

func TestIncidentLifecycle(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	inc, err := env.engine.CreateIncident(ctx, escalate.Event{
		Type:     escalate.EventRateLimitExceeded,
		Severity: escalate.SeverityMedium,
		Metadata: map[string]string{"key": "203.0.113.7"},
	})
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/incidents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []escalate.Incident
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, inc.ID, list[0].ID)

	w = env.do(http.MethodGet, "/incidents/"+inc.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got escalate.Incident
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, escalate.StatusOpen, got.Status)

	w = env.do(http.MethodPost, "/incidents/"+inc.ID+"/close",
		CloseIncidentRequest{Resolution: "false positive"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, escalate.StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
}

func TestGetIncidentNotFound(t *testing.T) {
	env := newTestEnv(t, 100)

	w := env.do(http.MethodGet, "/incidents/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCloseIncidentRequiresResolution(t *testing.T) {
	env := newTestEnv(t, 100)

	w := env.do(http.MethodPost, "/incidents/some-id/close", CloseIncidentRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	rec, _, err := env.sessions.Create(ctx, "alice", session.Binding{OriginIP: "192.0.2.1"})
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/sessions/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, rec.SessionID, list.Sessions[0].SessionID)

	w = env.do(http.MethodPost, "/sessions/alice/terminate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var term TerminateSessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &term))
	assert.Equal(t, 1, term.Terminated)

	w = env.do(http.MethodGet, "/sessions/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Count)
}

func TestValidateSessionSuccess(t *testing.T) {
	env := newTestEnv(t, 100)

	// httptest requests originate from 192.0.2.1.
	rec, _, err := env.sessions.Create(context.Background(), "alice",
		session.Binding{OriginIP: "192.0.2.1"})
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/sessions/validate",
		ValidateSessionRequest{SessionID: rec.SessionID, PrincipalID: "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ValidateSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, rec.SessionID, resp.SessionID)
}

func TestValidateSessionFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, 100)

	// A session bound to a different origin than the caller's.
	rec, _, err := env.sessions.Create(context.Background(), "alice",
		session.Binding{OriginIP: "10.9.9.9"})
	require.NoError(t, err)

	mismatch := env.do(http.MethodPost, "/sessions/validate",
		ValidateSessionRequest{SessionID: rec.SessionID, PrincipalID: "alice"})
	missing := env.do(http.MethodPost, "/sessions/validate",
		ValidateSessionRequest{SessionID: "no-such-session", PrincipalID: "alice"})

	require.Equal(t, http.StatusUnauthorized, mismatch.Code)
	require.Equal(t, http.StatusUnauthorized, missing.Code)
	assert.Equal(t, missing.Body.String(), mismatch.Body.String(),
		"failure responses must not reveal which check failed")
}

func TestIPMismatchOpensIncident(t *testing.T) {
	env := newTestEnv(t, 100)

	rec, _, err := env.sessions.Create(context.Background(), "alice",
		session.Binding{OriginIP: "10.9.9.9"})
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/sessions/validate",
		ValidateSessionRequest{SessionID: rec.SessionID, PrincipalID: "alice"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	incidents, err := env.engine.List(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, escalate.EventSessionIPMismatch, incidents[0].Type)
	assert.Equal(t, escalate.SeverityHigh, incidents[0].Severity)
	assert.Equal(t, "alice", incidents[0].Metadata["userId"])
}

func TestAdmissionMiddlewareRejectsAndRecords(t *testing.T) {
	env := newTestEnv(t, 2)

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodGet, "/incidents", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d within quota", i+1)
	}

	w := env.do(http.MethodGet, "/incidents", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// The breach lands in the incident table.
	incidents, err := env.engine.List(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, escalate.EventRateLimitExceeded, incidents[0].Type)
}

func TestRepeatedBreachesShareOneIncident(t *testing.T) {
	env := newTestEnv(t, 1)

	for i := 0; i < 4; i++ {
		env.do(http.MethodGet, "/incidents", nil)
	}

	incidents, err := env.engine.List(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 1, "same key must not open a new incident per rejection")
}

func TestRateLimitStats(t *testing.T) {
	env := newTestEnv(t, 100)

	env.do(http.MethodGet, "/incidents", nil)

	w := env.do(http.MethodGet, "/ratelimit/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		Size    int    `json:"size"`
		Backend string `json:"backend"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, 1, stats.Size)
}

func TestTerminateWithExplicitReason(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	_, _, err := env.sessions.Create(ctx, "bob", session.Binding{OriginIP: "192.0.2.1"})
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/sessions/bob/terminate",
		TerminateSessionsRequest{Reason: string(session.TerminatedSecurityEvent)})
	require.Equal(t, http.StatusOK, w.Code)

	active, err := env.sessions.ActiveSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestValidateSessionBadRequest(t *testing.T) {
	env := newTestEnv(t, 100)

	for _, body := range []ValidateSessionRequest{
		{},
		{SessionID: "s"},
		{PrincipalID: "p"},
	} {
		w := env.do(http.MethodPost, "/sessions/validate", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, fmt.Sprintf("%+v", body))
	}
}
