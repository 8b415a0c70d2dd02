package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Notifier delivers an escalation notification over one channel kind. The
// engine only decides when and to which kind to notify, never how the
// message is transported.
type Notifier interface {
	Send(ctx context.Context, inc *Incident, message string) error
}

// notifyQueueSize is the bounded channel capacity for outbound notifications.
const notifyQueueSize = 256

// webhookPayload is the JSON body POSTed to the external endpoint.
type webhookPayload struct {
	IncidentID string   `json:"incident_id"`
	Type       string   `json:"type"`
	Severity   Severity `json:"severity"`
	Level      int      `json:"escalation_level"`
	Status     Status   `json:"status"`
	Message    string   `json:"message"`
	Timestamp  string   `json:"timestamp"`
}

// WebhookNotifier POSTs escalation notifications to an HTTP endpoint.
// Notifications are enqueued non-blockingly into a bounded channel and sent
// by a background goroutine with bounded retries; if the queue is full the
// notification is dropped with a warning. Delivery never blocks the engine.
type WebhookNotifier struct {
	url        string
	authHeader string // "Header: Value" format
	client     *http.Client
	queue      chan webhookPayload
	wg         sync.WaitGroup
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a webhook notifier and starts its background
// delivery loop.
func NewWebhookNotifier(url, authHeader string) *WebhookNotifier {
	w := &WebhookNotifier{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan webhookPayload, notifyQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Send enqueues the notification. It never blocks.
func (w *WebhookNotifier) Send(_ context.Context, inc *Incident, message string) error {
	p := webhookPayload{
		IncidentID: inc.ID,
		Type:       inc.Type,
		Severity:   inc.Severity,
		Level:      inc.EscalationLevel,
		Status:     inc.Status,
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case w.queue <- p:
		return nil
	default:
		slog.Warn("webhook notifier: queue full, dropping notification", "incident_id", inc.ID)
		return nil
	}
}

// Close shuts down the notifier, draining any queued notifications.
func (w *WebhookNotifier) Close() {
	close(w.queue)
	w.wg.Wait()
}

func (w *WebhookNotifier) loop() {
	defer w.wg.Done()
	for p := range w.queue {
		w.deliver(p)
	}
}

// deliver POSTs the payload with one retry on 5xx or transport error.
func (w *WebhookNotifier) deliver(p webhookPayload) {
	body, err := json.Marshal(p)
	if err != nil {
		slog.Warn("webhook notifier: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(1 * time.Second)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("webhook notifier: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Vigil-Escalation/1.0")

		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			slog.Warn("webhook notifier: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			slog.Warn("webhook notifier: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		// 4xx: client error, not retried.
		slog.Warn("webhook notifier: client error", "status", resp.StatusCode)
		return
	}
}

// LogNotifier writes notifications to the structured log. Useful as a
// default for channel kinds with no external transport configured.
type LogNotifier struct {
	Kind   string
	Logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) Send(ctx context.Context, inc *Incident, message string) error {
	n.Logger.LogAttrs(ctx, slog.LevelInfo, "notification",
		slog.String("channel", n.Kind),
		slog.String("incident_id", inc.ID),
		slog.String("severity", string(inc.Severity)),
		slog.Int("level", inc.EscalationLevel),
		slog.String("message", message),
	)
	return nil
}
