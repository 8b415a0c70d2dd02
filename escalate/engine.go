package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kmorand/vigil/audit"
	"github.com/kmorand/vigil/internal/uuid"
)

// ActionFunc is one automatic-response step. Each action is independently
// fallible: a failure is recorded on the incident and does not abort the
// remaining actions.
type ActionFunc func(ctx context.Context, inc *Incident) error

// Engine is the incident escalation engine. Construct once at process start,
// share by reference, and Close at shutdown to stop pending timers.
type Engine struct {
	store     Store
	rules     map[Severity]Rule
	logger    *slog.Logger
	audit     *audit.Logger
	notifiers map[string]Notifier
	actions   map[string]ActionFunc

	mu     sync.Mutex
	timers map[string]*time.Timer // incident id -> pending escalation timer
	// openByKey deduplicates repeated violations: one open incident per
	// dedupe key at a time.
	openByKey map[string]string
	closed    bool
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger.With("component", "escalate")
	}
}

// WithAuditLogger routes incident lifecycle events into the security audit
// log.
func WithAuditLogger(al *audit.Logger) EngineOption {
	return func(e *Engine) {
		e.audit = al
	}
}

// NewEngine creates an escalation engine with the given rule set. Rules are
// read-only after construction. Missing severities fall back to DefaultRules.
func NewEngine(st Store, rules []Rule, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     st,
		rules:     make(map[Severity]Rule),
		notifiers: make(map[string]Notifier),
		actions:   make(map[string]ActionFunc),
		timers:    make(map[string]*time.Timer),
		openByKey: make(map[string]string),
	}
	for _, r := range DefaultRules() {
		e.rules[r.Severity] = r
	}
	for _, r := range rules {
		e.rules[r.Severity] = r
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "escalate")
	}
	return e
}

// RegisterNotifier binds a channel kind ("email", "webhook", "chat",
// "pager") to a transport. The engine decides when and to which kind to
// notify; the notifier decides how the message travels.
func (e *Engine) RegisterNotifier(kind string, n Notifier) {
	e.mu.Lock()
	e.notifiers[kind] = n
	e.mu.Unlock()
}

// RegisterAction binds an auto-action name to its implementation. Actions
// named in a rule but never registered are recorded as failed.
func (e *Engine) RegisterAction(name string, fn ActionFunc) {
	e.mu.Lock()
	e.actions[name] = fn
	e.mu.Unlock()
}

// Close cancels every pending escalation timer. Timers that already fired
// will still no-op against closed incidents.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// CreateIncident opens an incident for the event, runs the severity's
// auto-actions synchronously, and arms the escalation timer. A critical
// severity escalates immediately, with no timer needed.
func (e *Engine) CreateIncident(ctx context.Context, ev Event) (*Incident, error) {
	now := time.Now()
	inc := &Incident{
		ID:        uuid.New(),
		Type:      ev.Type,
		Severity:  ev.Severity,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  ev.Metadata,
	}
	inc.appendTimeline("created", fmt.Sprintf("incident opened (%s, severity %s)", ev.Type, ev.Severity), now)

	rule := e.ruleFor(ev.Severity)
	e.runAutoActions(ctx, inc, rule)

	if err := e.store.Create(ctx, inc); err != nil {
		return nil, fmt.Errorf("persisting incident: %w", err)
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, "incident created",
		slog.String("incident_id", inc.ID),
		slog.String("type", inc.Type),
		slog.String("severity", string(inc.Severity)),
	)
	e.audit.Log(ctx, audit.EventIncidentCreated,
		slog.String("incident_id", inc.ID),
		slog.String("type", inc.Type),
		slog.String("severity", string(inc.Severity)),
	)

	if rule.EscalateAfter <= 0 {
		// Immediate escalation; no timer involved.
		e.fireEscalation(inc.ID, 1)
	} else {
		e.schedule(inc.ID, 1, rule.EscalateAfter)
	}

	got, err := e.store.Get(ctx, inc.ID)
	if err != nil {
		return inc, nil //nolint:nilerr // creation succeeded; return the pre-escalation view
	}
	return got, nil
}

// CloseIncident transitions the incident to closed unconditionally, appends
// a timeline entry, and cancels any pending timer. A timer that fires
// regardless re-checks status and does nothing.
//
// The engine lock spans the read and the write here and in fireEscalation,
// so a close and a fire serialize: whichever takes the lock second sees the
// other's state and cannot overwrite it.
func (e *Engine) CloseIncident(ctx context.Context, id, resolution string) (*Incident, error) {
	e.mu.Lock()
	inc, err := e.store.Get(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	inc.Status = StatusClosed
	inc.ClosedAt = &now
	inc.appendTimeline("closed", resolution, now)
	if err := e.store.Update(ctx, inc); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("persisting closure: %w", err)
	}

	if t, ok := e.timers[id]; ok {
		t.Stop() // best effort; the fire path re-checks status
		delete(e.timers, id)
	}
	for k, openID := range e.openByKey {
		if openID == id {
			delete(e.openByKey, k)
		}
	}
	e.mu.Unlock()

	e.logger.LogAttrs(ctx, slog.LevelInfo, "incident closed",
		slog.String("incident_id", id),
		slog.String("resolution", resolution),
	)
	return inc, nil
}

// Get returns an incident by id.
func (e *Engine) Get(ctx context.Context, id string) (*Incident, error) {
	return e.store.Get(ctx, id)
}

// List returns all incidents, newest first.
func (e *Engine) List(ctx context.Context) ([]*Incident, error) {
	return e.store.List(ctx)
}

// ruleFor returns the severity's rule; every severity has one because
// defaults are installed at construction.
func (e *Engine) ruleFor(s Severity) Rule {
	if r, ok := e.rules[s]; ok {
		return r
	}
	return e.rules[SeverityLow]
}

// severityAtLevel maps an escalation level to the rung reached on the
// severity ladder, saturating at critical.
func severityAtLevel(initial Severity, level int) Severity {
	idx := severityIndex(initial) + level
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}

func (e *Engine) runAutoActions(ctx context.Context, inc *Incident, rule Rule) {
	for _, name := range rule.AutoActions {
		e.mu.Lock()
		fn, ok := e.actions[name]
		e.mu.Unlock()

		now := time.Now()
		status := "ok"
		var err error
		if !ok {
			err = fmt.Errorf("action %q not registered", name)
		} else {
			err = fn(ctx, inc)
		}
		if err != nil {
			status = "failed"
			e.logger.LogAttrs(ctx, slog.LevelWarn, "auto action failed",
				slog.String("incident_id", inc.ID),
				slog.String("action", name),
				slog.String("error", err.Error()),
			)
		}
		inc.AutoActionsExecuted = append(inc.AutoActionsExecuted, ActionResult{
			Action:    name,
			Status:    status,
			Timestamp: now,
		})
	}
}

// schedule arms the one-shot timer that will attempt to raise the incident
// to targetLevel after delay. One pending timer per incident.
func (e *Engine) schedule(id string, targetLevel int, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.fireEscalation(id, targetLevel)
	})
}

// fireEscalation is the timer body. It re-reads the incident and no-ops for
// closed incidents, for levels already reached, and after engine shutdown,
// making each level's notification fire at most once per incident. The
// status re-check and the write happen under the engine lock as one step;
// see CloseIncident.
func (e *Engine) fireEscalation(id string, targetLevel int) {
	ctx := context.Background()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)

	inc, err := e.store.Get(ctx, id)
	if err != nil {
		e.mu.Unlock()
		e.logger.LogAttrs(ctx, slog.LevelError, "escalation fired for unknown incident",
			slog.String("incident_id", id), slog.String("error", err.Error()))
		return
	}
	if inc.Status == StatusClosed || inc.EscalationLevel >= targetLevel {
		e.mu.Unlock()
		return
	}

	now := time.Now()
	inc.EscalationLevel = targetLevel
	inc.Status = StatusEscalated
	reached := severityAtLevel(inc.Severity, targetLevel)
	inc.appendTimeline("escalated",
		fmt.Sprintf("escalated to level %d (%s)", targetLevel, reached), now)

	if err := e.store.Update(ctx, inc); err != nil {
		e.mu.Unlock()
		e.logger.LogAttrs(ctx, slog.LevelError, "persisting escalation",
			slog.String("incident_id", id), slog.String("error", err.Error()))
		return
	}
	e.mu.Unlock()

	e.logger.LogAttrs(ctx, slog.LevelWarn, "incident escalated",
		slog.String("incident_id", id),
		slog.Int("level", targetLevel),
		slog.String("severity_reached", string(reached)),
	)
	e.audit.Log(ctx, audit.EventIncidentEscalated,
		slog.String("incident_id", id),
		slog.Int("level", targetLevel),
		slog.String("severity_reached", string(reached)),
	)

	e.notify(ctx, inc, e.ruleFor(reached).Channels)

	// Arm the next level while a higher rung exists.
	if severityIndex(inc.Severity)+targetLevel < len(ladder)-1 {
		next := e.ruleFor(severityAtLevel(inc.Severity, targetLevel))
		delay := next.EscalateAfter
		if delay < 0 {
			delay = 0
		}
		e.schedule(id, targetLevel+1, delay)
	}
}

func (e *Engine) notify(ctx context.Context, inc *Incident, channels []string) {
	message := fmt.Sprintf("[%s] incident %s (%s) at escalation level %d",
		inc.Severity, inc.ID, inc.Type, inc.EscalationLevel)
	for _, kind := range channels {
		e.mu.Lock()
		n, ok := e.notifiers[kind]
		e.mu.Unlock()
		if !ok {
			continue
		}
		if err := n.Send(ctx, inc, message); err != nil {
			// Delivery failures never block the engine's own state
			// transitions; retries are the notifier's concern.
			e.logger.LogAttrs(ctx, slog.LevelWarn, "notification delivery failed",
				slog.String("incident_id", inc.ID),
				slog.String("channel", kind),
				slog.String("error", err.Error()),
			)
			e.audit.Log(ctx, audit.EventNotificationFailed,
				slog.String("incident_id", inc.ID),
				slog.String("channel", kind),
				slog.String("error", err.Error()),
			)
		}
	}
}
