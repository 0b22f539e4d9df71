// Package metrics holds the Prometheus instruments for the platform.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the task economy
type Metrics struct {
	// HTTP metrics
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Ledger metrics
	EscrowLocked   prometheus.Counter
	EscrowResolved *prometheus.CounterVec
	EscrowHeld     prometheus.Gauge

	// Board metrics
	TaskTransitions *prometheus.CounterVec

	// Court metrics
	RulingTotal   *prometheus.CounterVec
	JudgeDuration *prometheus.HistogramVec

	// Stream metrics
	Subscribers     prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	SubscriberDrops prometheus.Counter
}

// NewMetrics creates all instruments and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agora_http_requests_total",
				Help: "Total HTTP requests by route and status class",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agora_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		EscrowLocked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agora_escrow_locked_total",
				Help: "Total escrow locks",
			},
		),

		EscrowResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agora_escrow_resolved_total",
				Help: "Total escrow resolutions",
			},
			[]string{"outcome"}, // outcome: released, split
		),

		EscrowHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agora_escrow_held",
				Help: "Sum of currently locked escrow amounts",
			},
		),

		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agora_task_transitions_total",
				Help: "Task status transitions",
			},
			[]string{"to_status"},
		),

		RulingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agora_court_rulings_total",
				Help: "Dispute ruling attempts",
			},
			[]string{"outcome"}, // outcome: ruled, rollback
		),

		JudgeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agora_judge_duration_seconds",
				Help:    "Duration of individual judge evaluations",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"judge_id"},
		),

		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agora_stream_subscribers",
				Help: "Currently connected stream subscribers",
			},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agora_events_published_total",
				Help: "Events appended to the log by source",
			},
			[]string{"source"},
		),

		SubscriberDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agora_stream_subscriber_drops_total",
				Help: "Subscribers dropped for falling behind",
			},
		),
	}
}

// RecordRequest records one completed HTTP request
func (m *Metrics) RecordRequest(route, method, status string, seconds float64) {
	m.RequestTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordTransition records a task status change
func (m *Metrics) RecordTransition(toStatus string) {
	m.TaskTransitions.WithLabelValues(toStatus).Inc()
}

// RecordRuling records a ruling attempt outcome
func (m *Metrics) RecordRuling(rolledBack bool) {
	outcome := "ruled"
	if rolledBack {
		outcome = "rollback"
	}
	m.RulingTotal.WithLabelValues(outcome).Inc()
}
