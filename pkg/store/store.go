package store

import (
	"context"
	"time"

	"github.com/decibel/bdr/pkg/origin"
)

// ConflictHistoryRow is one durable conflict record. Tuple snapshots are
// opaque (optionally compressed) bytes; the core never inspects them again.
type ConflictHistoryRow struct {
	ID               string
	LocalTxID        uint64
	LocalLSN         uint64
	LocalCommitTime  time.Time
	LocalTupleOrigin origin.Origin
	RemoteOrigin     origin.Origin
	RemoteTxID       uint64
	RemoteCommitLSN  uint64
	RemoteCommitTime time.Time
	ConflictType     string
	Resolution       string
	LocalTuple       []byte
	RemoteTuple      []byte
	TuplesCompressed bool
	ApplyError       string
}

// SequenceChunk is a contiguous, exclusively-owned range of sequence
// values. Committed chunks for the same sequence never overlap.
type SequenceChunk struct {
	ElectionID string
	SeqID      string
	Owner      origin.Origin
	Low        int64 // inclusive
	High       int64 // exclusive
	Committed  bool
}

// Contains reports whether the chunk covers the given value.
func (c *SequenceChunk) Contains(v int64) bool {
	return v >= c.Low && v < c.High
}

// Overlaps reports whether two chunks share any value.
func (c *SequenceChunk) Overlaps(other *SequenceChunk) bool {
	return c.Low < other.High && other.Low < c.High
}

// LockStateRow mirrors one global lock for crash recovery.
type LockStateRow struct {
	Name      string
	Holder    *origin.Origin
	Queue     []origin.Origin
	UpdatedAt time.Time
}

// Store is the durable keyed read/write surface holding conflict history,
// committed sequence chunks and lock state. Reads see writes made earlier
// in the same transaction; the core never issues general queries against it.
type Store interface {
	// AppendConflictHistory writes one conflict record.
	AppendConflictHistory(ctx context.Context, row *ConflictHistoryRow) error

	// SaveChunk persists an elected chunk. It fails with ErrChunkOverlap
	// if the range intersects any committed chunk for the same sequence.
	SaveChunk(ctx context.Context, chunk *SequenceChunk) error

	// LoadChunks returns all committed chunks for a sequence.
	LoadChunks(ctx context.Context, seqID string) ([]SequenceChunk, error)

	// LastCommittedChunk returns the owner's committed chunk with the
	// highest upper bound, or ErrNoChunk.
	LastCommittedChunk(ctx context.Context, seqID string, owner origin.Origin) (*SequenceChunk, error)

	// MaxCommittedHigh returns the highest committed upper bound for a
	// sequence across all owners, or 0 if none exists.
	MaxCommittedHigh(ctx context.Context, seqID string) (int64, error)

	// SaveLockState upserts the durable mirror of one global lock.
	SaveLockState(ctx context.Context, row *LockStateRow) error

	// LoadLockStates returns every mirrored lock.
	LoadLockStates(ctx context.Context) ([]LockStateRow, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	Close() error
}
