package escalate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorand/vigil/audit"
)

// recordingNotifier counts deliveries per incident and level.
type recordingNotifier struct {
	mu    sync.Mutex
	sends []sendRecord
}

type sendRecord struct {
	incidentID string
	level      int
}

func (n *recordingNotifier) Send(_ context.Context, inc *Incident, _ string) error {
	n.mu.Lock()
	n.sends = append(n.sends, sendRecord{incidentID: inc.ID, level: inc.EscalationLevel})
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sends)
}

func newTestEngine(t *testing.T, rules []Rule) (*Engine, *recordingNotifier) {
	t.Helper()
	e := NewEngine(NewMemoryStore(), rules)
	t.Cleanup(e.Close)
	n := &recordingNotifier{}
	for _, kind := range []string{"email", "chat", "webhook", "pager"} {
		e.RegisterNotifier(kind, n)
	}
	return e, n
}

func TestCreateIncident_StartsOpenAtLevelZero(t *testing.T) {
	e, n := newTestEngine(t, []Rule{
		{Severity: SeverityMedium, EscalateAfter: time.Hour, Channels: []string{"email"}},
	})

	inc, err := e.CreateIncident(context.Background(), Event{
		Type:     EventRateLimitExceeded,
		Severity: SeverityMedium,
		Metadata: map[string]string{"key": "10.0.0.1", "limit": "5"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusOpen, inc.Status)
	assert.Equal(t, 0, inc.EscalationLevel)
	assert.Equal(t, SeverityMedium, inc.Severity)
	assert.Equal(t, "10.0.0.1", inc.Metadata["key"])
	require.NotEmpty(t, inc.Timeline)
	assert.Equal(t, "created", inc.Timeline[0].Action)
	assert.Zero(t, n.count(), "no notification before the timer fires")
}

func TestCreateIncident_CriticalEscalatesImmediately(t *testing.T) {
	e, n := newTestEngine(t, nil) // default critical rule has EscalateAfter 0

	inc, err := e.CreateIncident(context.Background(), Event{
		Type:     EventSessionIPMismatch,
		Severity: SeverityCritical,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusEscalated, inc.Status)
	assert.Equal(t, 1, inc.EscalationLevel, "critical goes directly to escalated(level=1)")
	assert.Positive(t, n.count())
}

func TestEscalation_TimerFiresWhileOpen(t *testing.T) {
	e, n := newTestEngine(t, []Rule{
		{Severity: SeverityHigh, EscalateAfter: 20 * time.Millisecond, Channels: []string{"chat"}},
		{Severity: SeverityCritical, EscalateAfter: time.Hour, Channels: []string{"pager"}},
	})
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityHigh})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, inc.Status)

	require.Eventually(t, func() bool {
		got, err := e.Get(ctx, inc.ID)
		return err == nil && got.Status == StatusEscalated
	}, time.Second, 5*time.Millisecond)

	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, 1, n.count(), "exactly one notification for level 1")
}

func TestEscalation_ChainsUpTheSeverityLadder(t *testing.T) {
	e, _ := newTestEngine(t, []Rule{
		{Severity: SeverityMedium, EscalateAfter: 10 * time.Millisecond, Channels: []string{"email"}},
		{Severity: SeverityHigh, EscalateAfter: 10 * time.Millisecond, Channels: []string{"chat"}},
		{Severity: SeverityCritical, EscalateAfter: 0, Channels: []string{"pager"}},
	})
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityMedium})
	require.NoError(t, err)

	// Level 1 reaches high, level 2 reaches critical; there is no rung
	// beyond critical, so level 2 is terminal.
	require.Eventually(t, func() bool {
		got, err := e.Get(ctx, inc.ID)
		return err == nil && got.EscalationLevel == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EscalationLevel, "escalation must stop at the top of the ladder")
}

func TestCloseIncident_BeforeTimerFiresIsFinal(t *testing.T) {
	e, n := newTestEngine(t, []Rule{
		{Severity: SeverityMedium, EscalateAfter: 100 * time.Millisecond, Channels: []string{"email"}},
	})
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityMedium})
	require.NoError(t, err)

	closed, err := e.CloseIncident(ctx, inc.ID, "false positive")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	// Let the (cancelled or racing) timer window pass; the incident must
	// not change after closure.
	time.Sleep(250 * time.Millisecond)

	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Zero(t, n.count(), "no notification may fire after closure")

	for _, entry := range got.Timeline {
		assert.False(t, entry.Timestamp.After(*got.ClosedAt),
			"no timeline entries after closedAt")
	}
}

func TestFireEscalation_ForClosedIncidentIsNoOp(t *testing.T) {
	e, n := newTestEngine(t, []Rule{
		{Severity: SeverityMedium, EscalateAfter: time.Hour, Channels: []string{"email"}},
	})
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityMedium})
	require.NoError(t, err)
	_, err = e.CloseIncident(ctx, inc.ID, "resolved")
	require.NoError(t, err)

	// Simulate the close/fire race: the timer body runs even though Stop
	// was called. Status is re-checked at fire time.
	e.fireEscalation(inc.ID, 1)

	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Zero(t, n.count())
}

func TestFireEscalation_IdempotentPerLevel(t *testing.T) {
	e, n := newTestEngine(t, []Rule{
		{Severity: SeverityHigh, EscalateAfter: time.Hour, Channels: []string{"chat"}},
	})
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityHigh})
	require.NoError(t, err)

	e.fireEscalation(inc.ID, 1)
	e.fireEscalation(inc.ID, 1) // duplicate fire for the same level

	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, 1, n.count(), "a level's notification fires at most once per incident")
}

func TestCloseIncident_UnknownID(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.CloseIncident(context.Background(), "no-such-incident", "whatever")
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestAutoActions_RunAndRecordFailuresIndependently(t *testing.T) {
	e, _ := newTestEngine(t, []Rule{
		{
			Severity:      SeverityHigh,
			EscalateAfter: time.Hour,
			AutoActions:   []string{"block_ip", "explodes", "notify_soc"},
		},
	})

	var ran []string
	e.RegisterAction("block_ip", func(_ context.Context, _ *Incident) error {
		ran = append(ran, "block_ip")
		return nil
	})
	e.RegisterAction("explodes", func(_ context.Context, _ *Incident) error {
		ran = append(ran, "explodes")
		return errors.New("boom")
	})
	e.RegisterAction("notify_soc", func(_ context.Context, _ *Incident) error {
		ran = append(ran, "notify_soc")
		return nil
	})

	inc, err := e.CreateIncident(context.Background(), Event{Type: "suspicious_activity", Severity: SeverityHigh})
	require.NoError(t, err)

	assert.Equal(t, []string{"block_ip", "explodes", "notify_soc"}, ran,
		"a failing action must not abort the remaining ones")
	require.Len(t, inc.AutoActionsExecuted, 3)
	assert.Equal(t, "ok", inc.AutoActionsExecuted[0].Status)
	assert.Equal(t, "failed", inc.AutoActionsExecuted[1].Status)
	assert.Equal(t, "ok", inc.AutoActionsExecuted[2].Status)
}

func TestAutoActions_UnregisteredActionRecordedAsFailed(t *testing.T) {
	e, _ := newTestEngine(t, []Rule{
		{Severity: SeverityLow, EscalateAfter: time.Hour, AutoActions: []string{"missing"}},
	})

	inc, err := e.CreateIncident(context.Background(), Event{Type: "suspicious_activity", Severity: SeverityLow})
	require.NoError(t, err)

	require.Len(t, inc.AutoActionsExecuted, 1)
	assert.Equal(t, "failed", inc.AutoActionsExecuted[0].Status)
}

func TestHandleViolation_DeduplicatesOpenIncidents(t *testing.T) {
	e, _ := newTestEngine(t, []Rule{
		{Severity: SeverityMedium, EscalateAfter: time.Hour, Channels: []string{"email"}},
	})
	ctx := context.Background()

	ev := Event{
		Type:     EventRateLimitExceeded,
		Severity: SeverityMedium,
		Metadata: map[string]string{"key": "10.0.0.1"},
	}

	first, err := e.HandleViolation(ctx, ev)
	require.NoError(t, err)
	second, err := e.HandleViolation(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "repeat violations update the open incident")
	got, err := e.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(got.Timeline), 2)

	incidents, err := e.List(ctx)
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestHandleViolation_NewIncidentAfterClosure(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	ev := Event{
		Type:     EventRateLimitExceeded,
		Severity: SeverityMedium,
		Metadata: map[string]string{"key": "10.0.0.1"},
	}

	first, err := e.HandleViolation(ctx, ev)
	require.NoError(t, err)
	_, err = e.CloseIncident(ctx, first.ID, "resolved")
	require.NoError(t, err)

	second, err := e.HandleViolation(ctx, ev)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "a closed incident no longer absorbs violations")
}

func TestHandleViolation_DistinctKeysOpenDistinctIncidents(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	a, err := e.HandleViolation(ctx, Event{
		Type: EventRateLimitExceeded, Severity: SeverityMedium,
		Metadata: map[string]string{"key": "10.0.0.1"},
	})
	require.NoError(t, err)
	b, err := e.HandleViolation(ctx, Event{
		Type: EventRateLimitExceeded, Severity: SeverityMedium,
		Metadata: map[string]string{"key": "10.0.0.2"},
	})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestEngineClose_StopsPendingTimers(t *testing.T) {
	e, n := newTestEngine(t, []Rule{
		{Severity: SeverityMedium, EscalateAfter: 100 * time.Millisecond, Channels: []string{"email"}},
	})
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityMedium})
	require.NoError(t, err)

	e.Close()
	time.Sleep(250 * time.Millisecond)

	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status, "shutdown must not fire escalations")
	assert.Zero(t, n.count())
}

// gatedStore parks one Get call until released, holding the caller inside
// its critical section so a second engine operation can be started against
// the same incident.
type gatedStore struct {
	Store

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *gatedStore) Get(ctx context.Context, id string) (*Incident, error) {
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		close(s.entered)
		<-s.release
	}
	return s.Store.Get(ctx, id)
}

func TestCloseIncident_SerializesWithTimerFire(t *testing.T) {
	gate := newGatedStore()
	e := NewEngine(gate, []Rule{
		{Severity: SeverityMedium, EscalateAfter: time.Hour, Channels: []string{"email"}},
		{Severity: SeverityHigh, EscalateAfter: time.Hour, Channels: []string{"email"}},
	})
	t.Cleanup(e.Close)
	n := &recordingNotifier{}
	e.RegisterNotifier("email", n)
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityMedium})
	require.NoError(t, err)

	// Park the fire path between its status read and its write, then try
	// to close the same incident concurrently.
	gate.arm()
	fireDone := make(chan struct{})
	go func() {
		e.fireEscalation(inc.ID, 1)
		close(fireDone)
	}()
	<-gate.entered

	closeDone := make(chan struct{})
	go func() {
		_, _ = e.CloseIncident(ctx, inc.ID, "resolved during escalation")
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("close completed while an escalation fire was mid-flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	<-fireDone
	<-closeDone

	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status, "the close must win once the fire commits")
	require.NotNil(t, got.ClosedAt)
	for _, entry := range got.Timeline {
		assert.False(t, entry.Timestamp.After(*got.ClosedAt),
			"no timeline entries after closedAt")
	}
}

func TestFireEscalation_AfterEngineCloseIsNoOp(t *testing.T) {
	e, n := newTestEngine(t, []Rule{
		{Severity: SeverityMedium, EscalateAfter: time.Hour, Channels: []string{"email"}},
	})
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityMedium})
	require.NoError(t, err)

	e.Close()

	// A timer body that was already in flight when Close ran takes this
	// path; shutdown must win.
	e.fireEscalation(inc.ID, 1)

	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Zero(t, n.count())
}

type refusingNotifier struct{}

func (refusingNotifier) Send(context.Context, *Incident, string) error {
	return errors.New("delivery refused")
}

func TestEngine_EmitsAuditEvents(t *testing.T) {
	var buf bytes.Buffer
	al := audit.NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)), nil)
	e := NewEngine(NewMemoryStore(), []Rule{
		{Severity: SeverityMedium, EscalateAfter: time.Hour, Channels: []string{"email"}},
		{Severity: SeverityHigh, EscalateAfter: time.Hour, Channels: []string{"email"}},
	}, WithAuditLogger(al))
	t.Cleanup(e.Close)
	e.RegisterNotifier("email", refusingNotifier{})
	ctx := context.Background()

	inc, err := e.CreateIncident(ctx, Event{Type: EventRateLimitExceeded, Severity: SeverityMedium})
	require.NoError(t, err)
	e.fireEscalation(inc.ID, 1)

	out := buf.String()
	assert.Contains(t, out, string(audit.EventIncidentCreated))
	assert.Contains(t, out, string(audit.EventIncidentEscalated))
	assert.Contains(t, out, string(audit.EventNotificationFailed))
}
