package audit

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike   AlertType = "login_failure_spike"
	AlertInvalidSessionSpike AlertType = "invalid_session_spike"
	AlertRefreshFailureSpike AlertType = "refresh_failure_spike"
)

// Alert describes an anomaly that crossed its threshold.
type Alert struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is invoked when an anomaly is detected. It is called with the
// detector's lock held and must not call back into the detector.
type AlertFunc func(Alert)

// window is a sliding-window counter for one alert type.
type window struct {
	alert     AlertType
	message   string
	span      time.Duration
	threshold int
	hits      []time.Time
}

// Detector tracks sliding-window counters of audit events and raises an
// alert when one exceeds its threshold within its window.
type Detector struct {
	mu      sync.Mutex
	windows map[Event]*window
	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultLoginFailureWindow      = 1 * time.Minute
	defaultLoginFailureThreshold   = 50
	defaultInvalidSessionWindow    = 1 * time.Minute
	defaultInvalidSessionThreshold = 50
	defaultRefreshFailureWindow    = 5 * time.Minute
	defaultRefreshFailureThreshold = 25
)

// NewDetector returns a detector with the default windows. A nil alertFn
// disables detection.
func NewDetector(alertFn AlertFunc) *Detector {
	return &Detector{
		windows: map[Event]*window{
			LoginFailure: {
				alert:     AlertLoginFailureSpike,
				message:   "login failure rate exceeds threshold",
				span:      defaultLoginFailureWindow,
				threshold: defaultLoginFailureThreshold,
			},
			InvalidSessionCleared: {
				alert:     AlertInvalidSessionSpike,
				message:   "undecodable session cookie rate exceeds threshold",
				span:      defaultInvalidSessionWindow,
				threshold: defaultInvalidSessionThreshold,
			},
			RefreshFailure: {
				alert:     AlertRefreshFailureSpike,
				message:   "token refresh failure rate exceeds threshold",
				span:      defaultRefreshFailureWindow,
				threshold: defaultRefreshFailureThreshold,
			},
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// SetThreshold overrides the threshold for event.
func (d *Detector) SetThreshold(event Event, threshold int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[event]; ok {
		w.threshold = threshold
	}
}

// Record counts one occurrence of event.
func (d *Detector) Record(event Event) {
	if d == nil || d.alertFn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[event]
	if !ok {
		return
	}
	now := d.now()
	w.hits = append(w.hits, now)
	w.hits = trimWindow(w.hits, now, w.span)

	if len(w.hits) >= w.threshold {
		d.alertFn(Alert{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.hits),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.hits = w.hits[:0]
	}
}

// trimWindow removes entries older than (now - span) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, span time.Duration) []time.Time {
	cutoff := now.Add(-span)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
