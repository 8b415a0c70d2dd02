package escalate

import (
	"context"
	"fmt"
	"time"
)

// Event types produced by the admission and session layers.
const (
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventSessionIPMismatch = "session_ip_mismatch"
)

// dedupeKey groups repeated violations of the same origin so one open
// incident absorbs them instead of a new incident per rejected request.
func dedupeKey(ev Event) string {
	k := ev.Metadata["key"]
	if k == "" {
		k = ev.Metadata["userId"]
	}
	if k == "" {
		k = ev.Metadata["ipAddress"]
	}
	return ev.Type + "|" + k
}

// HandleViolation routes a violation event into the incident table: repeated
// violations update the existing open incident's timeline, fresh ones create
// a new incident with the event's severity.
func (e *Engine) HandleViolation(ctx context.Context, ev Event) (*Incident, error) {
	key := dedupeKey(ev)

	// The read-check-update on the existing incident stays under the engine
	// lock so a concurrent close cannot be overwritten; see CloseIncident.
	e.mu.Lock()
	if existingID, ok := e.openByKey[key]; ok {
		inc, err := e.store.Get(ctx, existingID)
		if err == nil && inc.Status != StatusClosed {
			inc.appendTimeline("violation_repeated",
				fmt.Sprintf("repeat violation (%s)", ev.Type), time.Now())
			if err := e.store.Update(ctx, inc); err != nil {
				e.mu.Unlock()
				return nil, fmt.Errorf("recording repeat violation: %w", err)
			}
			e.mu.Unlock()
			return inc, nil
		}
		// Stale mapping; fall through and open a new incident.
		delete(e.openByKey, key)
	}
	e.mu.Unlock()

	inc, err := e.CreateIncident(ctx, ev)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if !e.closed {
		e.openByKey[key] = inc.ID
	}
	e.mu.Unlock()
	return inc, nil
}
