// Package metrics registers the Prometheus instruments shared by the worker
// pool and the admin API. All instruments live on the default registry and
// are exposed through promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txcore_transfers_total",
		Help: "Ledger transfers by outcome (committed, replayed, rejected).",
	}, []string{"outcome"})

	QueueClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txcore_queue_claims_total",
		Help: "Queue items claimed by workers, per queue.",
	}, []string{"queue"})

	QueueCompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txcore_queue_completions_total",
		Help: "Queue items completed successfully, per queue.",
	}, []string{"queue"})

	QueueFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txcore_queue_failures_total",
		Help: "Failed processing attempts, per queue.",
	}, []string{"queue"})

	QueueDeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txcore_queue_dead_letters_total",
		Help: "Items moved to the dead letter view, per queue.",
	}, []string{"queue"})

	QueueReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txcore_queue_reclaimed_total",
		Help: "Items reclaimed after their processing lease expired.",
	})

	ThrottleRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txcore_throttle_rejections_total",
		Help: "Claims deferred because the rate limit was exhausted, per queue.",
	}, []string{"queue"})

	LocksForceReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txcore_locks_force_released_total",
		Help: "Conversation locks force-released by the stuck-lock sweep.",
	})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txcore_handler_duration_seconds",
		Help:    "Queue handler execution time, per queue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
)
