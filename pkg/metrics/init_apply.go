package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initApplyMetrics() {
	r.ApplyCommitsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_apply_commits_total",
			Help: "Total number of remote transactions committed by apply workers",
		},
	)

	r.ApplyRollbacksTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_apply_rollbacks_total",
			Help: "Total number of remote transactions rolled back by apply workers",
		},
	)

	r.ApplyChangesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "bdr_apply_changes_total",
			Help: "Row changes processed by apply workers",
		},
		[]string{"operation", "conflicted"}, // insert/update/delete, true/false
	)

	r.ApplyDisconnectsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_apply_disconnects_total",
			Help: "Total number of peer connection losses observed by apply workers",
		},
	)

	r.ApplyTxnDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bdr_apply_txn_duration_seconds",
			Help:    "Time to apply one remote transaction",
			Buckets: prometheus.DefBuckets,
		},
	)
}
