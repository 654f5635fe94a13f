package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesSynced tracks local store entries pushed to the remote backend
	EntriesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_entries_total",
		Help: "Total number of local entries processed by the sync orchestrator",
	}, []string{"status", "collection"}) // status: synced, error

	// SweepDuration measures how long an entire sweep over all collections takes
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_sweep_duration_seconds",
		Help:    "Duration of a sync sweep in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SweepsSkipped counts sweep requests dropped because another sweep held the lock
	SweepsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_sweeps_skipped_total",
		Help: "Number of sweep requests ignored while another sweep was running",
	})

	// LocalBacklog tracks pending local entries at the end of the last sweep
	LocalBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_local_backlog",
		Help: "Pending local store entries after the last sweep",
	})

	// RemoteHealthy provides a binary 0/1 signal for remote reachability
	RemoteHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_remote_healthy",
		Help: "Current reachability of the remote backend (1 reachable, 0 unreachable)",
	})

	// BrokerHealthy mirrors the RabbitMQ link state when the broker is in use
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_healthy",
		Help: "Current health status of the RabbitMQ link (1 healthy, 0 unhealthy)",
	})

	// ReviewEntries counts holding queue messages stored by the review relay
	ReviewEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_relay_entries_total",
		Help: "Total number of review entries handled by the relay",
	}, []string{"status"})
)
