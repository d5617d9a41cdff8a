package fetcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for relay races and crawls.
type Metrics struct {
	Registry        *prometheus.Registry
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration prometheus.Histogram
	BytesReceived   prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	RacesTotal      *prometheus.CounterVec
	PagesTotal      *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedfetch_relay_attempts_total",
			Help: "Relay attempts by relay and outcome.",
		},
		[]string{"relay", "outcome"},
	)
	attemptDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedfetch_relay_attempt_duration_seconds",
			Help:    "Latency of relay attempts, winners and losers alike.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 11),
		},
	)
	bytesReceived := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feedfetch_bytes_received_total",
			Help: "Body bytes received across all relay attempts.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedfetch_errors_total",
			Help: "Failed relay attempts by error type.",
		},
		[]string{"error_type"},
	)
	races := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedfetch_races_total",
			Help: "Completed relay races by outcome.",
		},
		[]string{"outcome"},
	)
	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedfetch_crawl_pages_total",
			Help: "Feed pages requested by the crawler, by outcome.",
		},
		[]string{"outcome"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feedfetch_crawl_retries_total",
			Help: "Page retries scheduled by the crawler.",
		},
	)

	registry.MustRegister(attempts, attemptDuration, bytesReceived, errorsTotal, races, pages, retries)

	return &Metrics{
		Registry:        registry,
		AttemptsTotal:   attempts,
		AttemptDuration: attemptDuration,
		BytesReceived:   bytesReceived,
		ErrorsTotal:     errorsTotal,
		RacesTotal:      races,
		PagesTotal:      pages,
		RetriesTotal:    retries,
	}
}

// IncAttempt counts a finished attempt for relay.
func (m *Metrics) IncAttempt(relay, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(relay, outcome).Inc()
}

// ObserveDuration records a relay attempt duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptDuration.Observe(d.Seconds())
}

// AddBytes adds n received body bytes.
func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncRace counts a finished race.
func (m *Metrics) IncRace(outcome string) {
	if m == nil {
		return
	}
	m.RacesTotal.WithLabelValues(outcome).Inc()
}

// IncPage counts a crawled page.
func (m *Metrics) IncPage(outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}
