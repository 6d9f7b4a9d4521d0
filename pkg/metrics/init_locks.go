package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLockMetrics() {
	r.LockRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "bdr_global_lock_requests_total",
			Help: "Global DDL lock requests, by outcome",
		},
		[]string{"outcome"}, // granted, queued, denied
	)

	r.LockWaitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bdr_global_lock_wait_seconds",
			Help:    "Time spent waiting for the global DDL lock",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)

	r.LockQueueDepth = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "bdr_global_lock_queue_depth",
			Help: "Requesters currently queued for the global DDL lock",
		},
	)

	r.LockContentionHits = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_global_lock_contention_total",
			Help: "check_query calls rejected because another node held the lock",
		},
	)
}
