package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// webhookQueueSize bounds how many events may wait for delivery before new
// ones are dropped.
const webhookQueueSize = 64

// WebhookNotifier POSTs events as JSON to a configured URL from a single
// background worker. Notify itself never blocks: when the delivery queue is
// full the event is dropped and logged.
//
// When a secret is configured each request carries an
// X-Kioku-Signature-256 header with the hex HMAC-SHA256 of the body,
// prefixed "sha256=", so receivers can authenticate the sender.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
	logger *slog.Logger

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
}

// webhookPayload is the wire form of an event.
type webhookPayload struct {
	Kind            Kind     `json:"kind"`
	Severity        Severity `json:"severity"`
	CorrespondentID string   `json:"correspondent_id,omitempty"`
	Message         string   `json:"message"`
	TraceID         string   `json:"trace_id,omitempty"`
	Timestamp       string   `json:"timestamp"`
}

// NewWebhookNotifier creates the notifier and starts its delivery worker.
// secret may be empty to disable request signing; logger may be nil.
func NewWebhookNotifier(url, secret string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "notify"),
		queue:  make(chan Event, webhookQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if secret != "" {
		n.secret = []byte(secret)
	}
	go n.run()
	return n
}

var _ Notifier = (*WebhookNotifier)(nil)

// Notify enqueues the event for delivery. Never blocks.
func (n *WebhookNotifier) Notify(ctx context.Context, evt Event) {
	evt = evt.withDefaults(ctx)
	select {
	case n.queue <- evt:
	default:
		n.logger.Warn("webhook queue full, event dropped", "kind", evt.Kind)
	}
}

// Close drains queued events and stops the worker.
func (n *WebhookNotifier) Close() {
	close(n.stop)
	<-n.done
}

func (n *WebhookNotifier) run() {
	defer close(n.done)
	for {
		select {
		case evt := <-n.queue:
			n.post(evt)
		case <-n.stop:
			for {
				select {
				case evt := <-n.queue:
					n.post(evt)
				default:
					return
				}
			}
		}
	}
}

func (n *WebhookNotifier) post(evt Event) {
	body, err := json.Marshal(webhookPayload{
		Kind:            evt.Kind,
		Severity:        evt.Severity,
		CorrespondentID: evt.CorrespondentID,
		Message:         evt.Message,
		TraceID:         evt.TraceID,
		Timestamp:       evt.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Warn("webhook payload encode failed", "kind", evt.Kind, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.secret) > 0 {
		mac := hmac.New(sha256.New, n.secret)
		mac.Write(body)
		req.Header.Set("X-Kioku-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "kind", evt.Kind, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		n.logger.Warn("webhook delivery rejected", "kind", evt.Kind, "status", resp.StatusCode)
		return
	}
	n.logger.Debug("webhook delivered", "kind", evt.Kind, "status", resp.StatusCode)
}
