package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWorkerMetrics() {
	r.WorkerSlotsInUse = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bdr_worker_slots_in_use",
			Help: "Worker registry slots currently allocated, by worker kind",
		},
		[]string{"kind"}, // apply, perdb
	)

	r.WorkerAllocErrors = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_worker_alloc_errors_total",
			Help: "Worker slot allocations that failed because the registry was full",
		},
	)

	r.WorkerApplyPaused = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "bdr_worker_apply_paused",
			Help: "1 when apply is paused process-wide, 0 otherwise",
		},
	)
}
