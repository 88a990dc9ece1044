package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the supervisor.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsExpired prometheus.Counter
	SessionsHealed  prometheus.Counter
	SpawnFailures   prometheus.Counter

	// Delivery metrics
	UnitsPosted    prometheus.Counter
	UnitsUpdated   prometheus.Counter
	StaleUnitHits  prometheus.Counter
	PromptsRelayed prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supervisor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "supervisor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "supervisor_sessions_active",
				Help: "Number of active sessions",
			},
		),
		SessionsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "supervisor_sessions_started_total",
				Help: "Total number of sessions started",
			},
		),
		SessionsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "supervisor_sessions_expired_total",
				Help: "Total number of sessions closed by inactivity",
			},
		),
		SessionsHealed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "supervisor_sessions_healed_total",
				Help: "Total number of stale session records reclaimed",
			},
		),
		SpawnFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "supervisor_spawn_failures_total",
				Help: "Total number of subprocess spawn failures",
			},
		),

		UnitsPosted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "supervisor_units_posted_total",
				Help: "Total delivery units posted to the destination",
			},
		),
		UnitsUpdated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "supervisor_units_updated_total",
				Help: "Total delivery units updated in place",
			},
		),
		StaleUnitHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "supervisor_stale_units_total",
				Help: "Total stale delivery-unit references recovered",
			},
		),
		PromptsRelayed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "supervisor_prompts_relayed_total",
				Help: "Total confirmation prompts relayed to the destination",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "supervisor_uptime_seconds",
				Help: "Supervisor uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetSessionsActive sets the number of active sessions.
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}
