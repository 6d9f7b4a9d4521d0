package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSequencerMetrics() {
	r.SequencerElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "bdr_sequencer_elections_total",
			Help: "Sequence chunk elections, by outcome",
		},
		[]string{"outcome"}, // won, lost, no_quorum
	)

	r.SequencerElectionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bdr_sequencer_election_duration_seconds",
			Help:    "Time from proposal broadcast to election outcome",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.SequencerValuesAllocated = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_sequencer_values_allocated_total",
			Help: "Sequence values handed out from the local chunk cache",
		},
	)

	r.SequencerCacheExhaustions = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_sequencer_cache_exhaustions_total",
			Help: "Allocation attempts that found the local chunk cache empty",
		},
	)

	r.SequencerChunksCommitted = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "bdr_sequencer_chunks_committed_total",
			Help: "Elected sequence chunks persisted to the durable store",
		},
	)
}
