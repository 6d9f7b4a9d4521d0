package metrics

import (
	"strconv"
	"time"
)

// RecordCommit counts a committed remote transaction
func (r *Registry) RecordCommit(d time.Duration) {
	r.ApplyCommitsTotal.Inc()
	r.ApplyTxnDuration.Observe(d.Seconds())
}

// RecordRollback counts a rolled-back remote transaction
func (r *Registry) RecordRollback() {
	r.ApplyRollbacksTotal.Inc()
}

// RecordChange counts one applied row change
func (r *Registry) RecordChange(operation string, conflicted bool) {
	r.ApplyChangesTotal.WithLabelValues(operation, strconv.FormatBool(conflicted)).Inc()
}

// RecordConflict counts one resolved conflict
func (r *Registry) RecordConflict(conflictType, resolution string) {
	r.ConflictsTotal.WithLabelValues(conflictType, resolution).Inc()
}

// RecordElection counts one sequencer election outcome
func (r *Registry) RecordElection(outcome string, d time.Duration) {
	r.SequencerElectionsTotal.WithLabelValues(outcome).Inc()
	r.SequencerElectionDuration.Observe(d.Seconds())
}

// RecordLockRequest counts one global lock request outcome
func (r *Registry) RecordLockRequest(outcome string) {
	r.LockRequestsTotal.WithLabelValues(outcome).Inc()
}

// SetApplyPaused mirrors the process-wide pause flag
func (r *Registry) SetApplyPaused(paused bool) {
	if paused {
		r.WorkerApplyPaused.Set(1)
	} else {
		r.WorkerApplyPaused.Set(0)
	}
}
