// Package obsmetrics exposes the process's Prometheus collectors:
// queue depth, breaker state, and dedupe outcomes.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the current depth of each named queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "invoice_agent",
		Name:      "queue_depth",
		Help:      "Current number of undelivered messages per queue.",
	}, []string{"queue"})

	// BreakerState reports the current circuit breaker state
	// (0=closed, 1=half_open, 2=open) per named breaker.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "invoice_agent",
		Name:      "breaker_state",
		Help:      "Current circuit breaker state: 0=closed, 1=half_open, 2=open.",
	}, []string{"breaker"})

	// DedupeOutcomesTotal counts Deduplicator.ClaimAndStart outcomes.
	DedupeOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoice_agent",
		Name:      "dedupe_outcomes_total",
		Help:      "Count of deduplication outcomes by result.",
	}, []string{"outcome"})

	// EmailsProcessedTotal counts queue messages handled by any
	// pipeline stage, by result.
	EmailsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoice_agent",
		Name:      "emails_processed_total",
		Help:      "Count of processed emails by outcome.",
	}, []string{"outcome"})

	// PipelineStageDuration records the wall-clock time spent in each
	// pipeline stage's Handle call.
	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invoice_agent",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Duration of a single pipeline stage Handle call.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
)

// BreakerStateValue maps a gobreaker.State label to the numeric gauge
// value recorded for BreakerState.
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordDedupeOutcome increments DedupeOutcomesTotal for a claim result.
func RecordDedupeOutcome(isNew bool) {
	if isNew {
		DedupeOutcomesTotal.WithLabelValues("claimed_new").Inc()
		return
	}
	DedupeOutcomesTotal.WithLabelValues("duplicate").Inc()
}

// RecordEmailProcessed increments EmailsProcessedTotal for a terminal
// outcome (cmd/invoice-agent records "success" or "error").
func RecordEmailProcessed(outcome string) {
	EmailsProcessedTotal.WithLabelValues(outcome).Inc()
}
