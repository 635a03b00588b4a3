// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "irgate"

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing, so components can be built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	gatekeeperDecisions *prometheus.CounterVec
	redirectorOutcomes  *prometheus.CounterVec
	tokenRefreshes      *prometheus.CounterVec
	proxyRequests       *prometheus.CounterVec
	proxyDuration       *prometheus.HistogramVec
	alerts              *prometheus.CounterVec
}

// New registers the collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		gatekeeperDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gatekeeper",
			Name:      "decisions_total",
			Help:      "Edge gatekeeper outcomes by session state",
		}, []string{"state"}),

		redirectorOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redirector",
			Name:      "outcomes_total",
			Help:      "Role-scoped login redirector outcomes",
		}, []string{"role", "outcome"}),

		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "token_refreshes_total",
			Help:      "Silent access token refresh attempts by result",
		}, []string{"result"}),

		proxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Backend proxy requests by route and response status",
		}, []string{"route", "status"}),

		proxyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Backend call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_alerts_total",
			Help:      "Anomaly alerts raised by type",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) GatekeeperDecision(state string) {
	if m == nil {
		return
	}
	m.gatekeeperDecisions.WithLabelValues(state).Inc()
}

func (m *Metrics) RedirectorOutcome(role, outcome string) {
	if m == nil {
		return
	}
	m.redirectorOutcomes.WithLabelValues(role, outcome).Inc()
}

// TokenRefresh records a refresh attempt; err == nil means success.
func (m *Metrics) TokenRefresh(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ProxyRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	if elapsed > 0 {
		m.proxyDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Alert(alertType string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(alertType).Inc()
}
