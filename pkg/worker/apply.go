package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/decibel/bdr/pkg/catalog"
	"github.com/decibel/bdr/pkg/conflict"
	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/origin"
)

// Event is one element of the decoded change stream.
type Event interface{ isEvent() }

// TxBegin opens a remote transaction.
type TxBegin struct {
	Origin     origin.Origin
	TxID       uint64
	CommitLSN  uint64
	CommitTime time.Time
}

// RowChange is one row-level operation inside a transaction.
type RowChange struct {
	Relation uint32
	Op       conflict.ChangeOp
	Tuple    *conflict.TupleData
}

// TxEnd closes a transaction. Commit false means the upstream aborted.
type TxEnd struct {
	Commit bool
}

func (TxBegin) isEvent()   {}
func (RowChange) isEvent() {}
func (TxEnd) isEvent()     {}

// ChangeSource delivers the decoded change stream from one peer. It is a
// host-engine collaborator; connection setup and wire decoding happen
// behind it. Next returns io.EOF when the stream ends.
type ChangeSource interface {
	Next(ctx context.Context) (Event, error)
}

// LocalRow is the local side of a potential conflict: the stored tuple
// plus the origin bookkeeping recorded with its last change.
type LocalRow struct {
	Tuple      *conflict.TupleData
	Origin     origin.Origin
	CommitTime time.Time
	TxID       uint64
	LSN        uint64
}

// LocalRows is the host-engine collaborator for row access: look up the
// local counterpart of an incoming tuple and apply resolved changes.
type LocalRows interface {
	// Lookup returns the matching local row, or nil when none exists.
	Lookup(ctx context.Context, relation uint32, tuple *conflict.TupleData) (*LocalRow, error)
	// Apply executes one resolved change against local storage.
	Apply(ctx context.Context, relation uint32, op conflict.ChangeOp, tuple *conflict.TupleData) error
}

// ApplyLoop replays one peer's change stream: one transaction at a time,
// catalog applicability first, conflict detection against local rows,
// resolution, conflict logging. Pause, replay-stop and cancellation are
// honored only between transactions.
type ApplyLoop struct {
	logger   logging.Logger
	metrics  *metrics.Registry
	registry *Registry
	handle   *SlotHandle

	catalog  *catalog.Catalog
	resolver *conflict.Resolver
	clog     *conflict.Log
	rows     LocalRows
	source   ChangeSource

	// pausePoll is how often the pause flag is rechecked while paused.
	pausePoll time.Duration
}

// NewApplyLoop wires an apply worker. The handle must reference an
// allocated apply slot; the loop releases it on exit.
func NewApplyLoop(
	reg *Registry,
	handle *SlotHandle,
	cat *catalog.Catalog,
	res *conflict.Resolver,
	clog *conflict.Log,
	rows LocalRows,
	source ChangeSource,
	logger logging.Logger,
	m *metrics.Registry,
) *ApplyLoop {
	return &ApplyLoop{
		logger:    logger.With(logging.Component("apply")),
		metrics:   m,
		registry:  reg,
		handle:    handle,
		catalog:   cat,
		resolver:  res,
		clog:      clog,
		rows:      rows,
		source:    source,
		pausePoll: 50 * time.Millisecond,
	}
}

// Run replays transactions until the stream ends, the replay-stop
// position is reached, or the context is cancelled at a transaction
// boundary. The slot is released on exit.
func (l *ApplyLoop) Run(ctx context.Context) error {
	defer func() {
		if err := l.registry.Release(l.handle); err != nil {
			l.logger.Warn("slot release failed", logging.Error(err))
		}
	}()

	w := l.registry.Apply(l.handle)
	if w == nil {
		return fmt.Errorf("%w: apply payload missing", ErrStaleHandle)
	}

	for {
		// Transaction boundary: the only place pause, stop and
		// cancellation are observed.
		if err := l.waitResumed(ctx); err != nil {
			return nil
		}

		ev, err := l.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			l.logger.Info("change stream ended", logging.Node(w.Origin.String()))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.metrics.ApplyDisconnectsTotal.Inc()
			return fmt.Errorf("change stream: %w", err)
		}

		begin, ok := ev.(TxBegin)
		if !ok {
			return fmt.Errorf("change stream out of sync: expected begin, got %T", ev)
		}

		if begin.Origin != w.Origin && !w.ForwardChangesets {
			// The peer forwarded a transaction that originated on a
			// third node; only workers opted into cascading replay
			// apply those.
			if err := l.skipTx(ctx); err != nil {
				return err
			}
		} else if err := l.applyTx(ctx, begin); err != nil {
			return err
		}

		if w.ReplayStopLSN != 0 && begin.CommitLSN >= w.ReplayStopLSN {
			l.logger.Info("replay stop position reached",
				logging.LSN(begin.CommitLSN),
				logging.Node(w.Origin.String()),
			)
			return nil
		}
	}
}

// waitResumed blocks while the process-wide pause flag is raised.
func (l *ApplyLoop) waitResumed(ctx context.Context) error {
	for l.registry.ApplyPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pausePoll):
		}
	}
	return ctx.Err()
}

// skipTx drains a transaction without applying it.
func (l *ApplyLoop) skipTx(ctx context.Context) error {
	for {
		ev, err := l.source.Next(ctx)
		if err != nil {
			l.metrics.ApplyDisconnectsTotal.Inc()
			return fmt.Errorf("change stream mid-transaction: %w", err)
		}
		switch ev.(type) {
		case RowChange:
		case TxEnd:
			return nil
		default:
			return fmt.Errorf("change stream out of sync: %T inside transaction", ev)
		}
	}
}

// applyTx replays one remote transaction to completion. Once begun, the
// transaction runs to its end marker regardless of pause or cancellation;
// an unresolvable conflict rolls the whole transaction back.
func (l *ApplyLoop) applyTx(ctx context.Context, begin TxBegin) error {
	start := time.Now()
	aborted := false

	for {
		ev, err := l.source.Next(ctx)
		if err != nil {
			// A stream failure mid-transaction leaves it unapplied.
			l.metrics.ApplyDisconnectsTotal.Inc()
			return fmt.Errorf("change stream mid-transaction: %w", err)
		}

		switch ev := ev.(type) {
		case RowChange:
			if aborted {
				continue // drain the rest of the doomed transaction
			}
			if err := l.applyRow(ctx, begin, ev); err != nil {
				l.logger.Error("transaction aborted",
					logging.Node(begin.Origin.String()),
					logging.Uint64("txid", begin.TxID),
					logging.Error(err),
				)
				aborted = true
			}

		case TxEnd:
			if aborted || !ev.Commit {
				l.metrics.RecordRollback()
				return nil
			}
			l.metrics.RecordCommit(time.Since(start))
			return nil

		default:
			return fmt.Errorf("change stream out of sync: %T inside transaction", ev)
		}
	}
}

// applyRow applies one row change, detecting and resolving conflicts.
func (l *ApplyLoop) applyRow(ctx context.Context, begin TxBegin, row RowChange) error {
	ri, err := l.catalog.Open(row.Relation)
	if err != nil {
		return fmt.Errorf("open relation %d: %w", row.Relation, err)
	}
	if !ri.Applies(row.Op) {
		// Relation not in any replication set this node applies this
		// operation for.
		return nil
	}

	local, err := l.rows.Lookup(ctx, row.Relation, row.Tuple)
	if err != nil {
		return fmt.Errorf("local lookup: %w", err)
	}

	if !l.conflicts(begin, row, local) {
		if err := l.rows.Apply(ctx, row.Relation, row.Op, row.Tuple); err != nil {
			return fmt.Errorf("apply %s: %w", row.Op, err)
		}
		l.metrics.RecordChange(row.Op.String(), false)
		return nil
	}

	c := l.buildConflict(begin, row, local)
	outcome, rec, err := l.resolver.Resolve(c, ri.Handlers)
	if rec != nil {
		l.clog.Record(ctx, rec)
	}
	if err != nil {
		return err
	}

	if outcome.Apply {
		tuple := row.Tuple
		if outcome.Tuple != nil {
			tuple = outcome.Tuple
		}
		op := row.Op
		if op == conflict.OpInsert && local != nil {
			// Insert over an existing row resolves as an overwrite.
			op = conflict.OpUpdate
		}
		if err := l.rows.Apply(ctx, row.Relation, op, tuple); err != nil {
			return fmt.Errorf("apply resolved %s: %w", op, err)
		}
	}
	l.metrics.RecordChange(row.Op.String(), true)
	return nil
}

// conflicts reports whether the incoming change collides with local
// state: an insert that finds a row, or an update/delete whose target is
// missing or was last changed by a different origin.
func (l *ApplyLoop) conflicts(begin TxBegin, row RowChange, local *LocalRow) bool {
	switch row.Op {
	case conflict.OpInsert:
		return local != nil
	case conflict.OpUpdate, conflict.OpDelete:
		return local == nil || local.Origin != begin.Origin
	}
	return false
}

func (l *ApplyLoop) buildConflict(begin TxBegin, row RowChange, local *LocalRow) *conflict.Conflict {
	localExists := local != nil
	originDiffers := localExists && local.Origin != begin.Origin

	c := &conflict.Conflict{
		Type:             conflict.Classify(localExists, originDiffers, row.Op),
		Relation:         row.Relation,
		Op:               row.Op,
		RemoteOrigin:     begin.Origin,
		RemoteTxID:       begin.TxID,
		RemoteCommitLSN:  begin.CommitLSN,
		RemoteCommitTime: begin.CommitTime,
		RemoteTuple:      row.Tuple,
	}
	if local != nil {
		c.LocalTxID = local.TxID
		c.LocalLSN = local.LSN
		c.LocalOrigin = local.Origin
		c.LocalCommitTime = local.CommitTime
		c.LocalTuple = local.Tuple
	}
	return c
}
