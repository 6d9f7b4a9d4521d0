package conflict

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
)

// Resolver settles classified conflicts against a relation's registered
// handlers, falling back to the deterministic default policy.
type Resolver struct {
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewResolver creates a resolver.
func NewResolver(logger logging.Logger, reg *metrics.Registry) *Resolver {
	return &Resolver{
		logger:  logger.With(logging.Component("conflict")),
		metrics: reg,
	}
}

// Resolve runs the handler chain for the conflict and falls back to the
// default policy. It always returns a Record, even on error; the error is
// non-nil only for unresolved conflicts, which the caller escalates to a
// transaction abort.
func (r *Resolver) Resolve(c *Conflict, handlers []Handler) (Outcome, *Record, error) {
	elapsed := c.RemoteCommitTime.Sub(c.LocalCommitTime)

	for _, h := range orderHandlers(c.Type, elapsed, handlers) {
		start := time.Now()
		outcome, resolution, err := h.Resolve(c)
		r.metrics.ConflictHandlerDuration.Observe(time.Since(start).Seconds())

		if errors.Is(err, errHandlerDeclined) {
			continue
		}
		if err != nil {
			rec := r.newRecord(c, ResolutionUnhandledTxAbort, err.Error())
			return Outcome{}, rec, err
		}

		r.logger.Debug("conflict settled by handler",
			logging.String("handler", h.Name()),
			logging.ConflictType(c.Type.String()),
			logging.Resolution(resolution.String()),
		)
		return outcome, r.newRecord(c, resolution, ""), nil
	}

	return r.resolveDefault(c)
}

// resolveDefault applies the built-in policy: skip when the target row is
// already gone, abort for unhandled transaction failures, last-update-wins
// for everything else.
func (r *Resolver) resolveDefault(c *Conflict) (Outcome, *Record, error) {
	switch c.Type {
	case TypeUpdateDelete, TypeDeleteDelete:
		// The target is already absent; there is nothing to overwrite.
		return Outcome{Apply: false}, r.newRecord(c, ResolutionDefaultSkipChange, ""), nil

	case TypeUnhandledTxAbort:
		rec := r.newRecord(c, ResolutionUnhandledTxAbort, ErrUnresolved.Error())
		return Outcome{}, rec, ErrUnresolved

	default:
		if remoteWins(c) {
			return Outcome{Apply: true}, r.newRecord(c, ResolutionDefaultApplyChange, ""), nil
		}
		return Outcome{Apply: false}, r.newRecord(c, ResolutionDefaultSkipChange, ""), nil
	}
}

// orderHandlers returns the matching handlers in precedence order: the
// smallest timeframe that still covers the elapsed time first, unbounded
// handlers last, registration order breaking ties.
func orderHandlers(t Type, elapsed time.Duration, handlers []Handler) []Handler {
	var matched []Handler
	for _, h := range handlers {
		if h.Matches(t, elapsed) {
			matched = append(matched, h)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		wi, wj := matched[i].Timeframe(), matched[j].Timeframe()
		if wi == 0 {
			return false
		}
		if wj == 0 {
			return true
		}
		return wi < wj
	})

	return matched
}

func (r *Resolver) newRecord(c *Conflict, resolution Resolution, applyError string) *Record {
	r.metrics.RecordConflict(c.Type.String(), resolution.String())

	return &Record{
		ID:               uuid.NewString(),
		Type:             c.Type,
		Resolution:       resolution,
		Relation:         c.Relation,
		LocalTxID:        c.LocalTxID,
		LocalLSN:         c.LocalLSN,
		LocalCommitTime:  c.LocalCommitTime,
		LocalTupleOrigin: c.LocalOrigin,
		LocalTuple:       c.LocalTuple,
		RemoteOrigin:     c.RemoteOrigin,
		RemoteTxID:       c.RemoteTxID,
		RemoteCommitLSN:  c.RemoteCommitLSN,
		RemoteCommitTime: c.RemoteCommitTime,
		RemoteTuple:      c.RemoteTuple,
		ApplyError:       applyError,
		CreatedAt:        time.Now(),
	}
}
