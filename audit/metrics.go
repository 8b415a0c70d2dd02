package audit

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertRejectionSpike  AlertType = "admission_rejection_spike"
	AlertHijackIndicator AlertType = "session_hijack_indicator"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// Collector tracks sliding window counters over audit events for anomaly
// detection. A burst of admission rejections or session IP mismatches above
// the configured threshold fires the alert callback once per spike.
type Collector struct {
	mu sync.Mutex

	// Sliding window for admission rejections.
	rejections      []time.Time
	rejectWindow    time.Duration
	rejectThreshold int

	// Sliding window for session IP mismatches.
	mismatches        []time.Time
	mismatchWindow    time.Duration
	mismatchThreshold int

	alertFn AlertFunc
}

const (
	defaultRejectWindow      = 1 * time.Minute
	defaultRejectThreshold   = 50
	defaultMismatchWindow    = 5 * time.Minute
	defaultMismatchThreshold = 3
)

func NewCollector(alertFn AlertFunc) *Collector {
	return &Collector{
		rejectWindow:      defaultRejectWindow,
		rejectThreshold:   defaultRejectThreshold,
		mismatchWindow:    defaultMismatchWindow,
		mismatchThreshold: defaultMismatchThreshold,
		alertFn:           alertFn,
	}
}

// RecordEvent inspects an audit event and updates the relevant counters.
func (m *Collector) RecordEvent(event Event) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case EventAdmissionRejected:
		m.recordRejection()
	case EventSessionIPMismatch:
		m.recordMismatch()
	}
}

func (m *Collector) recordRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.rejections = append(m.rejections, now)
	m.rejections = trimWindow(m.rejections, now, m.rejectWindow)

	if len(m.rejections) >= m.rejectThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertRejectionSpike,
			Message:   "admission rejection rate exceeds threshold",
			Count:     len(m.rejections),
			Threshold: m.rejectThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.rejections = m.rejections[:0]
	}
}

func (m *Collector) recordMismatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.mismatches = append(m.mismatches, now)
	m.mismatches = trimWindow(m.mismatches, now, m.mismatchWindow)

	if len(m.mismatches) >= m.mismatchThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertHijackIndicator,
			Message:   "session IP mismatch rate exceeds threshold",
			Count:     len(m.mismatches),
			Threshold: m.mismatchThreshold,
			Timestamp: now,
		})
		m.mismatches = m.mismatches[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
