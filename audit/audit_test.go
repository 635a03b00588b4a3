package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewJSONHandler(&buf, nil)), nil)

	r := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	r = r.WithContext(context.WithValue(r.Context(), chimw.RequestIDKey, "req-1"))
	l.Failure(LoginFailure, r, "state mismatch")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "audit", entry["msg"])
	assert.Equal(t, "audit", entry["component"])
	assert.Equal(t, string(LoginFailure), entry["event"])
	assert.Equal(t, "state mismatch", entry["reason"])
	assert.Equal(t, "/auth/callback", entry["path"])
	assert.Equal(t, "req-1", entry["request_id"])
}

func TestLogUsesGeneratedRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewJSONHandler(&buf, nil)), nil)

	var assigned string
	h := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assigned = chimw.GetReqID(r.Context())
		l.Log(Logout, r)
	}))
	// No X-Request-Id header: the middleware generates one.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.NotEmpty(t, assigned)
	assert.Equal(t, assigned, entry["request_id"])
}

func TestLogOmitsRequestIDOutsideMiddleware(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewJSONHandler(&buf, nil)), nil)

	r := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	r.Header.Set("X-Request-Id", "client-chosen")
	l.Log(LoginStarted, r)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "request_id")
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Log(Logout, httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestInvalidSessionSpikeAlert(t *testing.T) {
	var mu sync.Mutex
	var alerts []Alert
	d := NewDetector(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})
	d.SetThreshold(InvalidSessionCleared, 5)

	for i := 0; i < 4; i++ {
		d.Record(InvalidSessionCleared)
	}
	mu.Lock()
	assert.Empty(t, alerts, "no alert below threshold")
	mu.Unlock()

	d.Record(InvalidSessionCleared)
	mu.Lock()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertInvalidSessionSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	mu.Unlock()

	// Counter resets after an alert.
	d.Record(InvalidSessionCleared)
	mu.Lock()
	assert.Len(t, alerts, 1)
	mu.Unlock()
}

func TestWindowExpiry(t *testing.T) {
	var alerts []Alert
	d := NewDetector(func(a Alert) { alerts = append(alerts, a) })
	d.SetThreshold(RefreshFailure, 3)

	start := time.Now()
	d.now = func() time.Time { return start }
	d.Record(RefreshFailure)
	d.Record(RefreshFailure)

	d.now = func() time.Time { return start.Add(10 * time.Minute) }
	d.Record(RefreshFailure)
	assert.Empty(t, alerts, "old hits fall out of the window")
}

func TestUntrackedEventsIgnored(t *testing.T) {
	var alerts []Alert
	d := NewDetector(func(a Alert) { alerts = append(alerts, a) })
	for i := 0; i < 100; i++ {
		d.Record(LoginSuccess)
	}
	assert.Empty(t, alerts)
}

func TestLoggerFeedsDetector(t *testing.T) {
	var alerts []Alert
	d := NewDetector(func(a Alert) { alerts = append(alerts, a) })
	d.SetThreshold(LoginFailure, 2)
	l := New(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), d)

	r := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	l.Failure(LoginFailure, r, "x")
	l.Failure(LoginFailure, r, "x")
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
}
