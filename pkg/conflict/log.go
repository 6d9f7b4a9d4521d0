package conflict

import (
	"context"
	"encoding/json"

	"github.com/golang/snappy"

	"github.com/decibel/bdr/pkg/config"
	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/store"
)

// Log records resolved conflicts. Every record goes to the process log;
// when durable logging is enabled it is also written to the conflict
// history table. The durable write shares the apply transaction's store
// and is tagged local-only by the store so it never re-enters replication.
type Log struct {
	logger  logging.Logger
	store   store.Store
	cfg     config.ConflictLogConfig
	metrics *metrics.Registry
}

// NewLog creates a conflict log.
func NewLog(logger logging.Logger, s store.Store, cfg config.ConflictLogConfig, reg *metrics.Registry) *Log {
	return &Log{
		logger:  logger.With(logging.Component("conflict_log")),
		store:   s,
		cfg:     cfg,
		metrics: reg,
	}
}

// Record logs one conflict record. A durable write failure is downgraded
// to a warning: the resolution already happened and must not be unwound
// because its paper trail hit a snag.
func (l *Log) Record(ctx context.Context, rec *Record) {
	fields := []logging.Field{
		logging.String("record", rec.ID),
		logging.ConflictType(rec.Type.String()),
		logging.Resolution(rec.Resolution.String()),
		logging.Relation(rec.Relation),
		logging.String("remote_origin", rec.RemoteOrigin.String()),
		logging.Uint64("remote_txid", rec.RemoteTxID),
	}
	if rec.ApplyError != "" {
		fields = append(fields, logging.String("apply_error", rec.ApplyError))
		l.logger.Error("conflict detected", fields...)
	} else {
		l.logger.Info("conflict detected", fields...)
	}

	if !l.cfg.LogToTable {
		return
	}

	row, err := l.toRow(rec)
	if err != nil {
		l.metrics.ConflictLogWriteErrors.Inc()
		l.logger.Warn("failed to encode conflict record", logging.Error(err), logging.String("record", rec.ID))
		return
	}

	if err := l.store.AppendConflictHistory(ctx, row); err != nil {
		l.metrics.ConflictLogWriteErrors.Inc()
		l.logger.Warn("failed to write conflict history", logging.Error(err), logging.String("record", rec.ID))
	}
}

func (l *Log) toRow(rec *Record) (*store.ConflictHistoryRow, error) {
	row := &store.ConflictHistoryRow{
		ID:               rec.ID,
		LocalTxID:        rec.LocalTxID,
		LocalLSN:         rec.LocalLSN,
		LocalCommitTime:  rec.LocalCommitTime,
		LocalTupleOrigin: rec.LocalTupleOrigin,
		RemoteOrigin:     rec.RemoteOrigin,
		RemoteTxID:       rec.RemoteTxID,
		RemoteCommitLSN:  rec.RemoteCommitLSN,
		RemoteCommitTime: rec.RemoteCommitTime,
		ConflictType:     rec.Type.String(),
		Resolution:       rec.Resolution.String(),
		ApplyError:       rec.ApplyError,
	}

	if l.cfg.IncludeTuples {
		local, err := encodeTuple(rec.LocalTuple)
		if err != nil {
			return nil, err
		}
		remote, err := encodeTuple(rec.RemoteTuple)
		if err != nil {
			return nil, err
		}
		row.LocalTuple = local
		row.RemoteTuple = remote
		row.TuplesCompressed = true
	}

	return row, nil
}

// encodeTuple serializes and compresses a tuple snapshot. History rows
// are write-once and rarely read, so they stay compressed at rest.
func encodeTuple(t *TupleData) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeTuple reverses encodeTuple; used by history inspection tooling.
func DecodeTuple(data []byte) (*TupleData, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	var t TupleData
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
