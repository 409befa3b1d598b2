// Package metrics holds the recorder's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recorder"

// Metrics contains all Prometheus metrics for a recording session.
type Metrics struct {
	// Takes
	TakesRecorded prometheus.Counter
	TakesDeleted  prometheus.Counter
	TakeDuration  prometheus.Histogram

	// Capture
	BlocksFlushed  prometheus.Counter
	BlocksDropped  prometheus.Counter
	QueueOverflows prometheus.Counter
	DeviceBreaker  prometheus.Gauge

	// Trimming
	TrimFailures prometheus.Counter
	TrimmedRatio prometheus.Histogram

	// Manifests
	ManifestErrors prometheus.Counter

	// Progress
	PromptsRecorded prometheus.Gauge
	PromptsTotal    prometheus.Gauge

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A *prometheus.Registry
// also serves as the gatherer for Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		TakesRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "takes_recorded_total",
			Help:      "Total number of takes written to disk",
		}),
		TakesDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "takes_deleted_total",
			Help:      "Total number of takes deleted, including re-records",
		}),
		TakeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "take_duration_seconds",
			Help:      "Duration of captured takes before trimming",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		BlocksFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_flushed_total",
			Help:      "Stale capture blocks discarded before a take",
		}),
		BlocksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_dropped_total",
			Help:      "Trailing capture blocks dropped at the end of a take",
		}),
		QueueOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overflows_total",
			Help:      "Capture blocks lost because the queue was full",
		}),
		DeviceBreaker: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_breaker_state",
			Help:      "Capture device circuit breaker: 0 closed, 1 open, 2 half-open",
		}),
		TrimFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trim_failures_total",
			Help:      "Takes kept untrimmed because trimming failed",
		}),
		TrimmedRatio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trimmed_ratio",
			Help:      "Fraction of each take removed by silence trimming",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),
		ManifestErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_errors_total",
			Help:      "Manifest reads, appends or rewrites that failed",
		}),
		PromptsRecorded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prompts_recorded",
			Help:      "Prompts with a take in the current session",
		}),
		PromptsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prompts_total",
			Help:      "Prompts scheduled in the current session",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// NewNop returns metrics registered nowhere, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetProgress updates the progress gauges.
func (m *Metrics) SetProgress(recorded, total int) {
	m.PromptsRecorded.Set(float64(recorded))
	m.PromptsTotal.Set(float64(total))
}

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
