package store

import (
	"context"
	"sync"

	"github.com/decibel/bdr/pkg/origin"
)

// MemStore is an in-memory Store used by tests and by nodes that run
// without a durable backend configured.
type MemStore struct {
	mu        sync.Mutex
	conflicts []ConflictHistoryRow
	chunks    map[string][]SequenceChunk // seqID -> committed chunks
	locks     map[string]LockStateRow
	closed    bool

	// FailWrites makes every write return the given error; tests use it
	// to exercise the downgrade-to-warning path.
	FailWrites error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		chunks: make(map[string][]SequenceChunk),
		locks:  make(map[string]LockStateRow),
	}
}

func (s *MemStore) AppendConflictHistory(ctx context.Context, row *ConflictHistoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.FailWrites != nil {
		return s.FailWrites
	}

	s.conflicts = append(s.conflicts, *row)
	return nil
}

// ConflictHistory returns a copy of all recorded conflicts.
func (s *MemStore) ConflictHistory() []ConflictHistoryRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConflictHistoryRow, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

func (s *MemStore) SaveChunk(ctx context.Context, chunk *SequenceChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.FailWrites != nil {
		return s.FailWrites
	}

	for i := range s.chunks[chunk.SeqID] {
		existing := &s.chunks[chunk.SeqID][i]
		if existing.Committed && existing.Overlaps(chunk) {
			return ErrChunkOverlap
		}
	}

	s.chunks[chunk.SeqID] = append(s.chunks[chunk.SeqID], *chunk)
	return nil
}

func (s *MemStore) LoadChunks(ctx context.Context, seqID string) ([]SequenceChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	var out []SequenceChunk
	for _, c := range s.chunks[seqID] {
		if c.Committed {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) LastCommittedChunk(ctx context.Context, seqID string, owner origin.Origin) (*SequenceChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	var best *SequenceChunk
	for i := range s.chunks[seqID] {
		c := &s.chunks[seqID][i]
		if !c.Committed || c.Owner != owner {
			continue
		}
		if best == nil || c.High > best.High {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoChunk
	}

	out := *best
	return &out, nil
}

func (s *MemStore) MaxCommittedHigh(ctx context.Context, seqID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	var high int64
	for _, c := range s.chunks[seqID] {
		if c.Committed && c.High > high {
			high = c.High
		}
	}
	return high, nil
}

func (s *MemStore) SaveLockState(ctx context.Context, row *LockStateRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.FailWrites != nil {
		return s.FailWrites
	}

	copied := *row
	copied.Queue = append([]origin.Origin(nil), row.Queue...)
	s.locks[row.Name] = copied
	return nil
}

func (s *MemStore) LoadLockStates(ctx context.Context) ([]LockStateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	out := make([]LockStateRow, 0, len(s.locks))
	for _, row := range s.locks {
		out = append(out, row)
	}
	return out, nil
}

func (s *MemStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

var _ Store = (*MemStore)(nil)
