package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueRecords tracks how many save queue records sit in each status
	QueueRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "save_queue_records",
		Help: "Current number of save queue records by status",
	}, []string{"status"})

	// QueueAttempts counts processing attempts by their outcome
	// outcome: saved, queued, collision, retry, exhausted
	QueueAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "save_queue_attempts_total",
		Help: "Total number of save queue processing attempts by outcome",
	}, []string{"outcome"})

	// AttemptDuration tracks the latency of a single record attempt, backoff wait excluded
	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "save_queue_attempt_duration_seconds",
		Help:    "Time taken by one save queue attempt against the remote stores",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"route"}) // route: primary, holding

	// SnapshotFailures counts snapshot writes that failed even after reclaiming space
	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "save_queue_snapshot_failures_total",
		Help: "Number of save queue snapshot writes that could not be persisted",
	})
)
