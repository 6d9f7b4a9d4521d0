package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initConflictMetrics() {
	r.ConflictsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "bdr_conflicts_total",
			Help: "Row conflicts detected, by conflict type and resolution",
		},
		[]string{"type", "resolution"},
	)

	r.ConflictLogWriteErrors = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_conflict_log_write_errors_total",
			Help: "Durable conflict-history writes that failed and were downgraded to warnings",
		},
	)

	r.ConflictHandlerDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bdr_conflict_handler_duration_seconds",
			Help:    "Time spent in user conflict handlers",
			Buckets: prometheus.DefBuckets,
		},
	)
}
