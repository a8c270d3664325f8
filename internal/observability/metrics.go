// Package observability wires tracing and domain metrics.
//
// This file declares the Prometheus collectors for the admission core. Label
// sets stay bounded: request types and reason codes come from configuration
// and closed enums, never from client input verbatim.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AdmissionDecisions counts gate outcomes by request type and reason
	// ("ALLOWED" for admitted requests).
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by request type and reason code.",
		},
		[]string{"request_type", "reason"},
	)

	// AdmissionLatency records the wall time of one evaluation, storage
	// round-trips included.
	AdmissionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "admission",
			Name:      "evaluate_duration_seconds",
			Help:      "Duration of admission evaluations in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// GroupIncrements counts accumulator increments by outcome
	// (counted, triggered, error).
	GroupIncrements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "accumulator",
			Name:      "increments_total",
			Help:      "Group accumulator increments by outcome.",
		},
		[]string{"outcome"},
	)

	// GroupConflicts counts optimistic-concurrency retries in SQL-backed
	// accumulators.
	GroupConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "accumulator",
			Name:      "cas_conflicts_total",
			Help:      "Compare-and-swap conflicts retried by the group counter store.",
		},
	)

	// BatchRecipients counts per-recipient batch outcomes
	// (sent, failed, invalid, timeout, unavailable, duplicate).
	BatchRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "dispatch",
			Name:      "recipients_total",
			Help:      "Batch notification recipients by outcome.",
		},
		[]string{"outcome"},
	)

	// BatchDuration records how long one SendBatch call took.
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "dispatch",
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch notification fan-outs in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

var (
	// BatchRuns counts RunBatch outcomes (completed, failed, skipped).
	BatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Group batch runs by outcome.",
		},
		[]string{"outcome"},
	)

	// SweptRows counts rows removed or cleared by the maintenance janitor.
	SweptRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "janitor",
			Name:      "swept_total",
			Help:      "Admission state removed by periodic sweeps, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		AdmissionDecisions,
		AdmissionLatency,
		GroupIncrements,
		GroupConflicts,
		BatchRecipients,
		BatchDuration,
		BatchRuns,
		SweptRows,
	)
}
