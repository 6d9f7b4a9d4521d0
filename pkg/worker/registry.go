package worker

import (
	"fmt"
	"sync"

	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/origin"
)

// Kind tags what occupies a worker slot.
type Kind int

const (
	KindEmpty Kind = iota
	KindApply
	KindPerDB
)

// String returns the string representation of a worker kind
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindApply:
		return "apply"
	case KindPerDB:
		return "perdb"
	default:
		return "unknown"
	}
}

// ApplyWorker is the payload of an apply worker slot.
type ApplyWorker struct {
	PeerName string
	Origin   origin.Origin

	// ReplayStopLSN makes the worker exit cleanly once a transaction at
	// or past this position is applied. Zero means no stop.
	ReplayStopLSN uint64

	// ForwardChangesets opts this worker into cascading topologies: it
	// replays transactions the peer forwarded from third nodes, not just
	// the peer's own. Off by default so a mesh topology never applies
	// the same transaction twice.
	ForwardChangesets bool
}

// PerDBWorker is the payload of the per-database coordinator slot.
type PerDBWorker struct {
	Database string
	// NodeCount is the configured cluster size including the local node.
	NodeCount int
	// SequencerSlot is the registry index the embedded sequencer runs in.
	SequencerSlot int
}

// slot is one registry entry. The generation counter invalidates handles
// across reuse.
type slot struct {
	kind       Kind
	apply      *ApplyWorker
	perDB      *PerDBWorker
	generation uint64
}

// SlotHandle references an allocated slot. Handles are the only way to
// release a slot; a handle from a previous occupancy is rejected.
type SlotHandle struct {
	Index      int
	generation uint64
}

// Registry is the fixed-capacity worker slot table. One mutex guards all
// mutations, matching the single control lock the slot table had in its
// shared-memory ancestry.
type Registry struct {
	mu      sync.Mutex
	logger  logging.Logger
	metrics *metrics.Registry

	slots []slot

	// registered guards one apply worker per peer, surviving coordinator
	// restarts while the worker itself keeps running.
	registered map[origin.Origin]bool

	paused bool
}

// NewRegistry creates a registry with the given fixed capacity.
func NewRegistry(capacity int, logger logging.Logger, reg *metrics.Registry) *Registry {
	return &Registry{
		logger:     logger.With(logging.Component("worker_registry")),
		metrics:    reg,
		slots:      make([]slot, capacity),
		registered: make(map[origin.Origin]bool),
	}
}

// Capacity returns the fixed slot count.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// allocLocked finds the first empty slot. Caller holds the mutex.
func (r *Registry) allocLocked(kind Kind) (*SlotHandle, *slot, error) {
	for i := range r.slots {
		if r.slots[i].kind != KindEmpty {
			continue
		}
		s := &r.slots[i]
		s.kind = kind
		s.generation++
		r.metrics.WorkerSlotsInUse.WithLabelValues(kind.String()).Inc()
		return &SlotHandle{Index: i, generation: s.generation}, s, nil
	}
	r.metrics.WorkerAllocErrors.Inc()
	return nil, nil, ErrNoFreeSlots
}

// AllocApply claims a slot for an apply worker. At most one apply worker
// per peer may be registered at a time.
func (r *Registry) AllocApply(w ApplyWorker) (*SlotHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered[w.Origin] {
		return nil, fmt.Errorf("%w: peer %s", ErrAlreadyRegistered, w.Origin)
	}

	h, s, err := r.allocLocked(KindApply)
	if err != nil {
		return nil, err
	}
	payload := w
	s.apply = &payload
	r.registered[w.Origin] = true

	r.logger.Info("apply worker slot allocated",
		logging.WorkerSlot(h.Index),
		logging.Node(w.Origin.String()),
	)
	return h, nil
}

// AllocPerDB claims the per-database coordinator slot.
func (r *Registry) AllocPerDB(w PerDBWorker) (*SlotHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, s, err := r.allocLocked(KindPerDB)
	if err != nil {
		return nil, err
	}
	payload := w
	payload.SequencerSlot = h.Index
	s.perDB = &payload

	r.logger.Info("perdb worker slot allocated",
		logging.WorkerSlot(h.Index),
		logging.String("database", w.Database),
	)
	return h, nil
}

// Release empties a slot. Releasing an already empty slot or a stale
// handle is an error; silent double release would let two workers share
// a slot.
func (r *Registry) Release(h *SlotHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == nil || h.Index < 0 || h.Index >= len(r.slots) {
		return fmt.Errorf("%w: bad index", ErrStaleHandle)
	}
	s := &r.slots[h.Index]
	if s.kind == KindEmpty {
		return fmt.Errorf("%w: slot %d", ErrSlotAlreadyEmpty, h.Index)
	}
	if s.generation != h.generation {
		return fmt.Errorf("%w: slot %d", ErrStaleHandle, h.Index)
	}

	r.metrics.WorkerSlotsInUse.WithLabelValues(s.kind.String()).Dec()
	if s.kind == KindApply && s.apply != nil {
		delete(r.registered, s.apply.Origin)
	}
	s.kind = KindEmpty
	s.apply = nil
	s.perDB = nil

	r.logger.Debug("worker slot released", logging.WorkerSlot(h.Index))
	return nil
}

// Apply returns the apply payload for a handle, or nil if the slot no
// longer holds an apply worker.
func (r *Registry) Apply(h *SlotHandle) *ApplyWorker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == nil || h.Index < 0 || h.Index >= len(r.slots) {
		return nil
	}
	s := &r.slots[h.Index]
	if s.kind != KindApply || s.generation != h.generation {
		return nil
	}
	return s.apply
}

// PerDB returns the coordinator payload for a handle, or nil.
func (r *Registry) PerDB(h *SlotHandle) *PerDBWorker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == nil || h.Index < 0 || h.Index >= len(r.slots) {
		return nil
	}
	s := &r.slots[h.Index]
	if s.kind != KindPerDB || s.generation != h.generation {
		return nil
	}
	return s.perDB
}

// InUse counts the occupied slots.
func (r *Registry) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := range r.slots {
		if r.slots[i].kind != KindEmpty {
			n++
		}
	}
	return n
}

// PauseApply raises the process-wide pause flag. Apply workers poll it
// only at transaction boundaries, never mid-transaction, so no
// half-applied remote transaction is ever visible.
func (r *Registry) PauseApply() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.paused {
		r.paused = true
		r.metrics.SetApplyPaused(true)
		r.logger.Info("apply paused")
	}
}

// ResumeApply clears the pause flag.
func (r *Registry) ResumeApply() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		r.paused = false
		r.metrics.SetApplyPaused(false)
		r.logger.Info("apply resumed")
	}
}

// ApplyPaused reports the pause flag.
func (r *Registry) ApplyPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}
