// Package audit writes structured security audit records and watches them
// for anomalous spikes.
package audit

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Event identifies the type of security-relevant action being logged.
type Event string

const (
	LoginStarted          Event = "login_started"
	LoginSuccess          Event = "login_success"
	LoginFailure          Event = "login_failure"
	LoginRateLimited      Event = "login_rate_limited"
	Logout                Event = "logout"
	InvalidSessionCleared Event = "invalid_session_cleared"
	ExpiredSessionCleared Event = "expired_session_cleared"
	SessionBackendFailure Event = "session_backend_failure"
	RefreshFailure        Event = "token_refresh_failure"
	RedirectShortCircuit  Event = "redirect_short_circuit"
	ConfigurationError    Event = "configuration_error"
)

// Logger wraps slog.Logger for structured security audit logging. A nil
// *Logger discards everything.
type Logger struct {
	logger   *slog.Logger
	detector *Detector
	webhook  *Webhook
	now      func() time.Time
}

// New returns an audit logger writing through logger. detector may be nil.
func New(logger *slog.Logger, detector *Detector) *Logger {
	return &Logger{
		logger:   logger.With("component", "audit"),
		detector: detector,
		now:      time.Now,
	}
}

// WithWebhook also ships every entry to w.
func (l *Logger) WithWebhook(w *Webhook) *Logger {
	l.webhook = w
	return l
}

// Log writes a structured audit entry for event on r.
func (l *Logger) Log(event Event, r *http.Request, attrs ...slog.Attr) {
	if l == nil {
		return
	}
	now := l.now()
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("path", r.URL.Path),
		slog.String("timestamp", now.UTC().Format(time.RFC3339)),
	}
	// The id is the one chi's RequestID middleware assigned, which covers
	// requests that arrived without an X-Request-Id header.
	if id := chimw.GetReqID(r.Context()); id != "" {
		base = append(base, slog.String("request_id", id))
	}
	base = append(base, attrs...)
	l.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", base...)
	l.webhook.Enqueue(webhookEvent(event, r, now, attrs))
	l.detector.Record(event)
}

// Failure logs event with a reason attribute.
func (l *Logger) Failure(event Event, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	l.Log(event, r, attrs...)
}
