package conflict

import (
	"time"

	"github.com/decibel/bdr/pkg/origin"
)

// ChangeOp is the kind of row-level change arriving from a peer.
type ChangeOp int

const (
	OpInsert ChangeOp = iota
	OpUpdate
	OpDelete
)

// String returns the string representation of a change operation
func (op ChangeOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Type classifies a row-level conflict.
type Type int

const (
	TypeInsertInsert Type = iota
	TypeInsertUpdate
	TypeUpdateUpdate
	TypeUpdateDelete
	TypeDeleteDelete
	TypeUnhandledTxAbort
)

// String returns the string representation of a conflict type
func (t Type) String() string {
	switch t {
	case TypeInsertInsert:
		return "insert_insert"
	case TypeInsertUpdate:
		return "insert_update"
	case TypeUpdateUpdate:
		return "update_update"
	case TypeUpdateDelete:
		return "update_delete"
	case TypeDeleteDelete:
		return "delete_delete"
	case TypeUnhandledTxAbort:
		return "unhandled_tx_abort"
	default:
		return "unknown"
	}
}

// Resolution records how a conflict was settled.
type Resolution int

const (
	ResolutionTriggerSkipChange Resolution = iota
	ResolutionTriggerReturnedTuple
	ResolutionLastUpdateWinsKeepLocal
	ResolutionLastUpdateWinsKeepRemote
	ResolutionDefaultApplyChange
	ResolutionDefaultSkipChange
	ResolutionUnhandledTxAbort
)

// String returns the string representation of a resolution
func (r Resolution) String() string {
	switch r {
	case ResolutionTriggerSkipChange:
		return "conflict_trigger_skip_change"
	case ResolutionTriggerReturnedTuple:
		return "conflict_trigger_returned_tuple"
	case ResolutionLastUpdateWinsKeepLocal:
		return "last_update_wins_keep_local"
	case ResolutionLastUpdateWinsKeepRemote:
		return "last_update_wins_keep_remote"
	case ResolutionDefaultApplyChange:
		return "default_apply_change"
	case ResolutionDefaultSkipChange:
		return "default_skip_change"
	case ResolutionUnhandledTxAbort:
		return "unhandled_tx_abort"
	default:
		return "unknown"
	}
}

// TupleData is a row snapshot as decoded from the change stream or read
// from local storage. Keys are column names.
type TupleData struct {
	Values map[string]any `json:"values"`
}

// Clone returns a deep-enough copy for handler substitution.
func (t *TupleData) Clone() *TupleData {
	if t == nil {
		return nil
	}
	values := make(map[string]any, len(t.Values))
	for k, v := range t.Values {
		values[k] = v
	}
	return &TupleData{Values: values}
}

// Conflict is one detected row-level conflict, assembled by the apply
// worker before resolution.
type Conflict struct {
	Type     Type
	Relation uint32
	Op       ChangeOp

	RemoteOrigin     origin.Origin
	RemoteTxID       uint64
	RemoteCommitLSN  uint64
	RemoteCommitTime time.Time
	RemoteTuple      *TupleData

	// Local side; zero values when no matching local row exists.
	LocalTxID       uint64
	LocalLSN        uint64
	LocalOrigin     origin.Origin // origin of the local tuple's last change
	LocalCommitTime time.Time     // commit time recorded for that change
	LocalTuple      *TupleData
}

// Outcome is the resolver's verdict for one conflict.
type Outcome struct {
	// Apply is true when the incoming change should be applied.
	Apply bool
	// Tuple is non-nil when a handler substituted a replacement tuple.
	Tuple *TupleData
}

// Record is the immutable log entry for one resolved conflict.
type Record struct {
	ID               string
	Type             Type
	Resolution       Resolution
	Relation         uint32
	LocalTxID        uint64
	LocalLSN         uint64
	LocalCommitTime  time.Time
	LocalTupleOrigin origin.Origin
	LocalTuple       *TupleData
	RemoteOrigin     origin.Origin
	RemoteTxID       uint64
	RemoteCommitLSN  uint64
	RemoteCommitTime time.Time
	RemoteTuple      *TupleData
	ApplyError       string
	CreatedAt        time.Time
}
