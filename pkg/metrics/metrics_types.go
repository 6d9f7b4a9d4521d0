package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the replication core
type Registry struct {
	// Apply Metrics (per-change counters, the statistics sink for apply workers)
	ApplyCommitsTotal     prometheus.Counter
	ApplyRollbacksTotal   prometheus.Counter
	ApplyChangesTotal     *prometheus.CounterVec
	ApplyDisconnectsTotal prometheus.Counter
	ApplyTxnDuration      prometheus.Histogram

	// Conflict Metrics
	ConflictsTotal          *prometheus.CounterVec
	ConflictLogWriteErrors  prometheus.Counter
	ConflictHandlerDuration prometheus.Histogram

	// Sequencer Metrics
	SequencerElectionsTotal   *prometheus.CounterVec
	SequencerElectionDuration prometheus.Histogram
	SequencerValuesAllocated  prometheus.Counter
	SequencerCacheExhaustions prometheus.Counter
	SequencerChunksCommitted  prometheus.Counter

	// Global Lock Metrics
	LockRequestsTotal  *prometheus.CounterVec
	LockWaitDuration   prometheus.Histogram
	LockQueueDepth     prometheus.Gauge
	LockContentionHits prometheus.Counter

	// Worker Metrics
	WorkerSlotsInUse   *prometheus.GaugeVec
	WorkerAllocErrors  prometheus.Counter
	WorkerApplyPaused  prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initApplyMetrics()
	r.initConflictMetrics()
	r.initSequencerMetrics()
	r.initLockMetrics()
	r.initWorkerMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
