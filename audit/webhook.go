package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound records.
const webhookQueueSize = 1024

// WebhookEvent is the JSON payload POSTed to the webhook endpoint. Alerts
// are sent with Event set to "alert" and the alert type in Attrs.
type WebhookEvent struct {
	Event      string            `json:"event"`
	Sub        string            `json:"sub,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Path       string            `json:"path,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Webhook ships audit records to an external HTTP endpoint. Records are
// queued without blocking and sent by a background goroutine; when the
// queue is full they are dropped.
type Webhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	events     chan WebhookEvent
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewWebhook starts a dispatcher posting to url. authHeader is optional.
func NewWebhook(url, authHeader string, logger *slog.Logger) *Webhook {
	w := newWebhook(url, authHeader, logger, webhookQueueSize)
	w.wg.Add(1)
	go w.loop()
	return w
}

func newWebhook(url, authHeader string, logger *slog.Logger, size int) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan WebhookEvent, size),
		logger:     logger.With("component", "audit_webhook"),
	}
}

// Enqueue adds evt to the dispatch queue. It never blocks.
func (w *Webhook) Enqueue(evt WebhookEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// EnqueueAlert queues an anomaly alert.
func (w *Webhook) EnqueueAlert(a Alert) {
	w.Enqueue(WebhookEvent{
		Event:     "alert",
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
		Attrs: map[string]string{
			"type":      string(a.Type),
			"message":   a.Message,
			"count":     strconv.Itoa(a.Count),
			"threshold": strconv.Itoa(a.Threshold),
		},
	})
}

// Close stops accepting records and waits until the queue is drained.
func (w *Webhook) Close() {
	if w == nil {
		return
	}
	close(w.events)
	w.wg.Wait()
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs evt with one retry on 5xx or transport errors.
func (w *Webhook) send(evt WebhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(1 * time.Second)
		}

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "irgate-audit-webhook/1.0")
		if w.authHeader != "" {
			if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}

// webhookEvent flattens an audit entry into a webhook payload.
func webhookEvent(event Event, r *http.Request, ts time.Time, attrs []slog.Attr) WebhookEvent {
	evt := WebhookEvent{
		Event:      string(event),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
		Timestamp:  ts.UTC().Format(time.RFC3339),
	}
	for _, a := range attrs {
		if a.Key == "sub" {
			evt.Sub = a.Value.String()
			continue
		}
		if evt.Attrs == nil {
			evt.Attrs = make(map[string]string, len(attrs))
		}
		evt.Attrs[a.Key] = a.Value.String()
	}
	return evt
}
