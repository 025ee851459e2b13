// Package metrics holds the Prometheus collectors shared by the sweepers,
// workers and queue consumers.
//
// Labels are limited to small fixed sets (platform, kind, queue, outcome) so
// cardinality does not grow with the number of tracked apps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// IngestReviews counts reviews seen by the ingestion worker, by outcome
	// (fetched, in_window, inserted, duplicate, error).
	IngestReviews = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_ingest_reviews_total",
			Help: "Reviews processed by the ingestion worker.",
		},
		[]string{"platform", "outcome"},
	)

	// IngestRuns counts ingestion invocations by result (ok, error).
	IngestRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_ingest_runs_total",
			Help: "Ingestion worker invocations.",
		},
		[]string{"platform", "result"},
	)

	// SweepEntries counts schedule entries handled by a sweep, by outcome
	// (enqueued, lock_conflict, skipped, error).
	SweepEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_sweep_entries_total",
			Help: "Schedule entries handled by due sweeps.",
		},
		[]string{"kind", "outcome"},
	)

	// SweepDuration records how long one sweep takes.
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storepulse_sweep_duration_seconds",
			Help:    "Duration of a due sweep.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// QueueDeliveries counts consumer outcomes (ack, drop, retry, dead_letter).
	QueueDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_queue_deliveries_total",
			Help: "Queue message deliveries by outcome.",
		},
		[]string{"queue", "outcome"},
	)

	// ThemesJobs counts themes jobs by terminal status (done, duplicate, failed).
	ThemesJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_themes_jobs_total",
			Help: "Themes jobs by terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(IngestReviews, IngestRuns, SweepEntries, SweepDuration, QueueDeliveries, ThemesJobs)
}
