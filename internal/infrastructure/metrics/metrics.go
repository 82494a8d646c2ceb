package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat-Relay Metrics
var (
	// Request counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowsee",
			Subsystem: "chat_relay",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Request duration histogram
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knowsee",
			Subsystem: "chat_relay",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "endpoint"},
	)

	// Generation attempt counter
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowsee",
			Subsystem: "chat_relay",
			Name:      "generations_total",
			Help:      "Total generation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Generation duration histogram
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knowsee",
			Subsystem: "chat_relay",
			Name:      "generation_duration_seconds",
			Help:      "End-to-end generation duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// Streamed delta counter
	DeltasForwardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowsee",
			Subsystem: "chat_relay",
			Name:      "deltas_forwarded_total",
			Help:      "Total text deltas relayed to clients",
		},
	)

	// Active stream gauge
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "knowsee",
			Subsystem: "chat_relay",
			Name:      "active_streams",
			Help:      "Generation streams currently in flight",
		},
	)

	// Resume counter
	ResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowsee",
			Subsystem: "chat_relay",
			Name:      "resumes_total",
			Help:      "Stream resumption requests by result",
		},
		[]string{"result"},
	)
)

// Generation outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeTruncated = "truncated"
	OutcomeFailed    = "failed"
)

// RecordRequest records an HTTP request
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordGeneration records a finished generation attempt
func RecordGeneration(outcome string, durationSec float64) {
	GenerationsTotal.WithLabelValues(outcome).Inc()
	GenerationDuration.WithLabelValues(outcome).Observe(durationSec)
}

// RecordResume records a stream resumption request
func RecordResume(result string) {
	ResumesTotal.WithLabelValues(result).Inc()
}
