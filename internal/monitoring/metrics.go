package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Render metrics
	RendersTotal    *prometheus.CounterVec
	RenderDuration  prometheus.Histogram
	InstanceBoots   prometheus.Counter
	DeadlineKills   prometheus.Counter
	PoolWaitSeconds prometheus.Histogram

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fastboot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fastboot_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),

		// Render metrics
		RendersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fastboot_renders_total",
				Help: "Total number of application renders",
			},
			[]string{"status", "outcome"},
		),
		RenderDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fastboot_render_duration_seconds",
				Help:    "Application render duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		InstanceBoots: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fastboot_instance_boots_total",
				Help: "Total number of application instance boots",
			},
		),
		DeadlineKills: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fastboot_deadline_kills_total",
				Help: "Total number of instances destroyed for exceeding their render deadline",
			},
		),
		PoolWaitSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fastboot_pool_wait_seconds",
				Help:    "Time spent waiting for an available instance",
				Buckets: []float64{.0001, .001, .01, .05, .1, .5, 1, 5},
			},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fastboot_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
