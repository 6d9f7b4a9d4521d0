package ddllock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decibel/bdr/pkg/config"
	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/origin"
	"github.com/decibel/bdr/pkg/store"
	"github.com/decibel/bdr/pkg/transport"
)

// LockRequest asks every peer for the named lock.
type LockRequest struct {
	Name string `json:"name"`
}

// LockGrant acknowledges one peer's grant to a requester. Grants are
// broadcast, so the requester field says who the grant is for.
type LockGrant struct {
	Name      string        `json:"name"`
	Requester origin.Origin `json:"requester"`
}

// LockQueued tells a requester it was enqueued behind the current holder.
type LockQueued struct {
	Name      string        `json:"name"`
	Requester origin.Origin `json:"requester"`
	Position  int           `json:"position"`
}

// LockRelease announces that the holder gave the lock up.
type LockRelease struct {
	Name string `json:"name"`
}

// lockState is one lock's view on this node: at most one holder, FIFO
// wait queue behind it.
type lockState struct {
	holder *origin.Origin
	queue  []origin.Origin
}

func (s *lockState) enqueue(node origin.Origin) int {
	for i, q := range s.queue {
		if q == node {
			return i
		}
	}
	s.queue = append(s.queue, node)
	return len(s.queue) - 1
}

func (s *lockState) remove(node origin.Origin) {
	for i, q := range s.queue {
		if q == node {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// pendingAcquire tracks a local Acquire waiting for peer grants.
type pendingAcquire struct {
	grants    map[origin.Origin]bool
	localHeld bool
	done      chan struct{}
}

// Manager is one node's participant in the global DDL lock protocol.
// This is strict mutual exclusion, not a quorum lock: a grant needs an
// acknowledgement from every configured peer, so an unreachable peer
// blocks acquisition instead of being outvoted. Concurrent DDL is the one
// place where correctness outranks availability.
type Manager struct {
	mu sync.Mutex

	logger  logging.Logger
	metrics *metrics.Registry
	store   store.Store
	bus     transport.PeerBus

	self  origin.Origin
	peers []origin.Origin

	// ackTimeout bounds how long Acquire waits for peer grants. Zero
	// means the caller's context is the only bound.
	ackTimeout time.Duration

	locks   map[string]*lockState
	pending map[string]*pendingAcquire
}

// NewManager creates the local lock participant.
func NewManager(cfg *config.NodeConfig, s store.Store, bus transport.PeerBus, logger logging.Logger, reg *metrics.Registry) *Manager {
	peers := make([]origin.Origin, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, p.Origin)
	}
	return &Manager{
		logger:     logger.With(logging.Component("ddl_lock")),
		metrics:    reg,
		store:      s,
		bus:        bus,
		self:       cfg.LocalOrigin,
		peers:      peers,
		ackTimeout: cfg.Lock.AckTimeout,
		locks:      make(map[string]*lockState),
		pending:    make(map[string]*pendingAcquire),
	}
}

func (m *Manager) state(name string) *lockState {
	st, ok := m.locks[name]
	if !ok {
		st = &lockState{}
		m.locks[name] = st
	}
	return st
}

// Acquire takes the named lock cluster-wide. It broadcasts the request,
// claims the lock locally (or queues behind the current holder), and
// waits until every configured peer has granted. The wait is bounded by
// the configured ack timeout and by the caller's context; on expiry or
// cancellation the claim is withdrawn everywhere.
func (m *Manager) Acquire(ctx context.Context, name string) error {
	start := time.Now()

	if m.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.ackTimeout)
		defer cancel()
	}

	m.mu.Lock()
	st := m.state(name)
	p := &pendingAcquire{
		grants: make(map[origin.Origin]bool, len(m.peers)),
		done:   make(chan struct{}),
	}
	m.pending[name] = p

	if st.holder == nil {
		holder := m.self
		st.holder = &holder
		p.localHeld = true
	} else if *st.holder == m.self {
		p.localHeld = true
	} else {
		st.enqueue(m.self)
		m.metrics.LockQueueDepth.Set(float64(len(st.queue)))
	}
	row := m.snapshotLocked(name, st)
	m.checkComplete(name, p)
	m.mu.Unlock()

	if err := m.bus.Broadcast(transport.MsgLockRequest, LockRequest{Name: name}); err != nil {
		m.abandon(name)
		m.metrics.RecordLockRequest("denied")
		return fmt.Errorf("lock request broadcast: %w", err)
	}
	m.writeMirror(ctx, row)

	select {
	case <-p.done:
		m.metrics.RecordLockRequest("granted")
		m.metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
		m.logger.Info("global lock acquired",
			logging.LockName(name),
			logging.Duration("waited", time.Since(start)),
		)
		return nil

	case <-ctx.Done():
		m.abandon(name)
		m.metrics.RecordLockRequest("denied")
		return fmt.Errorf("%w: %s: %v", ErrAcquireAborted, name, ctx.Err())
	}
}

// abandon withdraws a pending acquisition: undo the local claim and tell
// the peers to drop us from their queues.
func (m *Manager) abandon(name string) {
	m.mu.Lock()
	delete(m.pending, name)
	st := m.state(name)
	if st.holder != nil && *st.holder == m.self {
		st.holder = nil
		m.promote(name, st)
	} else {
		st.remove(m.self)
	}
	row := m.snapshotLocked(name, st)
	m.mu.Unlock()

	if err := m.bus.Broadcast(transport.MsgLockRelease, LockRelease{Name: name}); err != nil {
		m.logger.Warn("lock withdrawal broadcast failed",
			logging.LockName(name), logging.Error(err))
	}
	m.writeMirror(context.Background(), row)
}

// Release gives up a held lock: clear it locally, promote the earliest
// waiter, and broadcast so every peer does the same.
func (m *Manager) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	st := m.state(name)
	if st.holder == nil || *st.holder != m.self {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHolder, name)
	}
	st.holder = nil
	delete(m.pending, name)
	m.promote(name, st)
	row := m.snapshotLocked(name, st)
	m.mu.Unlock()

	err := m.bus.Broadcast(transport.MsgLockRelease, LockRelease{Name: name})
	m.writeMirror(ctx, row)
	if err != nil {
		return fmt.Errorf("lock release broadcast: %w", err)
	}

	m.logger.Info("global lock released", logging.LockName(name))
	return nil
}

// CheckQuery gates a DDL-class statement: it fails immediately when a
// different node holds the lock, forcing the caller to back off and
// retry. It never blocks.
func (m *Manager) CheckQuery(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[name]
	if !ok || st.holder == nil || *st.holder == m.self {
		return nil
	}
	m.metrics.LockContentionHits.Inc()
	return fmt.Errorf("%w: %s held by %s", ErrLockHeld, name, st.holder)
}

// Holder returns the current holder as seen by this node, or nil.
func (m *Manager) Holder(name string) *origin.Origin {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[name]
	if !ok || st.holder == nil {
		return nil
	}
	h := *st.holder
	return &h
}

// HandleMessage dispatches lock envelopes from the bus. Other message
// types are ignored.
func (m *Manager) HandleMessage(ctx context.Context, env transport.Envelope) {
	switch env.Type {
	case transport.MsgLockRequest:
		var req LockRequest
		if err := env.Decode(&req); err != nil {
			m.logger.Warn("malformed lock request", logging.Error(err))
			return
		}
		m.HandleRequest(ctx, env.From, req)

	case transport.MsgLockGrant:
		var grant LockGrant
		if err := env.Decode(&grant); err != nil {
			m.logger.Warn("malformed lock grant", logging.Error(err))
			return
		}
		m.handleGrant(env.From, grant)

	case transport.MsgLockQueued:
		var queued LockQueued
		if err := env.Decode(&queued); err != nil {
			m.logger.Warn("malformed lock queued", logging.Error(err))
			return
		}
		if queued.Requester == m.self {
			m.logger.Debug("queued for global lock",
				logging.LockName(queued.Name),
				logging.Node(env.From.String()),
				logging.Int("position", queued.Position),
			)
		}

	case transport.MsgLockRelease:
		var rel LockRelease
		if err := env.Decode(&rel); err != nil {
			m.logger.Warn("malformed lock release", logging.Error(err))
			return
		}
		m.HandleRelease(ctx, env.From, rel)
	}
}

// HandleRequest is the peer side: grant if the lock is idle, else enqueue
// the requester FIFO and say so.
func (m *Manager) HandleRequest(ctx context.Context, from origin.Origin, req LockRequest) {
	m.mu.Lock()
	st := m.state(req.Name)

	var reply transport.MessageType
	var payload any
	var yielded bool
	switch {
	case st.holder == nil && len(st.queue) == 0:
		holder := from
		st.holder = &holder
		reply = transport.MsgLockGrant
		payload = LockGrant{Name: req.Name, Requester: from}

	case st.holder != nil && *st.holder == from:
		// Re-request from the holder, likely a retry; grant again.
		reply = transport.MsgLockGrant
		payload = LockGrant{Name: req.Name, Requester: from}

	case st.holder != nil && *st.holder == m.self && m.yieldTo(req.Name, from):
		// Both nodes raced for the lock and neither finished acquiring.
		// The lower node id takes the seat, we withdraw and re-request;
		// without this the two claims would wait on each other until
		// both time out.
		holder := from
		st.holder = &holder
		st.queue = append([]origin.Origin{m.self}, st.queue...)
		m.metrics.LockQueueDepth.Set(float64(len(st.queue)))
		reply = transport.MsgLockGrant
		payload = LockGrant{Name: req.Name, Requester: from}
		yielded = true

	default:
		pos := st.enqueue(from)
		m.metrics.LockQueueDepth.Set(float64(len(st.queue)))
		reply = transport.MsgLockQueued
		payload = LockQueued{Name: req.Name, Requester: from, Position: pos}
	}
	row := m.snapshotLocked(req.Name, st)
	m.mu.Unlock()

	if err := m.bus.Broadcast(reply, payload); err != nil {
		m.logger.Warn("lock reply broadcast failed",
			logging.LockName(req.Name), logging.Error(err))
	}

	if yielded {
		// Peers that seated us must unseat us and promote the winner;
		// the fresh request then queues us FIFO behind it everywhere.
		if err := m.bus.Broadcast(transport.MsgLockRelease, LockRelease{Name: req.Name}); err != nil {
			m.logger.Warn("yield withdrawal broadcast failed",
				logging.LockName(req.Name), logging.Error(err))
		}
		if err := m.bus.Broadcast(transport.MsgLockRequest, LockRequest{Name: req.Name}); err != nil {
			m.logger.Warn("yield re-request broadcast failed",
				logging.LockName(req.Name), logging.Error(err))
		}
		m.logger.Info("yielded lock claim to lower node id",
			logging.LockName(req.Name),
			logging.Node(from.String()),
		)
	}
	m.writeMirror(ctx, row)
}

// yieldTo reports whether our tentative, not yet completed claim must
// yield to a concurrent claim from a lower node id. Caller holds the
// mutex; on true the caller reseats the holder, so the pending claim is
// downgraded here.
func (m *Manager) yieldTo(name string, from origin.Origin) bool {
	p, ok := m.pending[name]
	if !ok || from.Compare(m.self) >= 0 {
		return false
	}
	p.localHeld = false
	// Grants collected for the withdrawn claim are void; every peer will
	// re-grant when it promotes us after the winner's release.
	p.grants = make(map[origin.Origin]bool, len(m.peers))
	return true
}

// handleGrant records one peer's acknowledgement of our own request.
func (m *Manager) handleGrant(from origin.Origin, grant LockGrant) {
	if grant.Requester != m.self {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[grant.Name]
	if !ok {
		return
	}
	p.grants[from] = true
	m.checkComplete(grant.Name, p)
}

// HandleRelease clears the releasing holder and promotes the earliest
// waiter; the promoted requester gets a fresh grant from this node.
func (m *Manager) HandleRelease(ctx context.Context, from origin.Origin, rel LockRelease) {
	m.mu.Lock()
	st := m.state(rel.Name)

	if st.holder != nil && *st.holder == from {
		st.holder = nil
	} else {
		// A queued requester withdrew.
		st.remove(from)
	}
	promoted := m.promote(rel.Name, st)
	row := m.snapshotLocked(rel.Name, st)
	m.mu.Unlock()

	if promoted != nil && *promoted != m.self {
		grant := LockGrant{Name: rel.Name, Requester: *promoted}
		if err := m.bus.Broadcast(transport.MsgLockGrant, grant); err != nil {
			m.logger.Warn("promotion grant broadcast failed",
				logging.LockName(rel.Name), logging.Error(err))
		}
	}
	m.writeMirror(ctx, row)
}

// promote moves the earliest FIFO waiter into the holder seat. Caller
// holds the mutex.
func (m *Manager) promote(name string, st *lockState) *origin.Origin {
	if st.holder != nil || len(st.queue) == 0 {
		return nil
	}
	head := st.queue[0]
	st.queue = st.queue[1:]
	st.holder = &head
	m.metrics.LockQueueDepth.Set(float64(len(st.queue)))

	if head == m.self {
		if p, ok := m.pending[name]; ok {
			p.localHeld = true
			m.checkComplete(name, p)
		}
	}
	return &head
}

// checkComplete closes the waiter once the local claim is held and every
// configured peer has granted. Caller holds the mutex.
func (m *Manager) checkComplete(name string, p *pendingAcquire) {
	if !p.localHeld || len(p.grants) < len(m.peers) {
		return
	}
	select {
	case <-p.done:
	default:
		close(p.done)
		delete(m.pending, name)
	}
}

// snapshotLocked captures the durable mirror row for one lock. Caller
// holds the mutex; the write itself happens outside it so the protocol
// never stalls on store latency.
func (m *Manager) snapshotLocked(name string, st *lockState) *store.LockStateRow {
	var holder *origin.Origin
	if st.holder != nil {
		h := *st.holder
		holder = &h
	}
	return &store.LockStateRow{
		Name:      name,
		Holder:    holder,
		Queue:     append([]origin.Origin(nil), st.queue...),
		UpdatedAt: time.Now(),
	}
}

// writeMirror persists a lock snapshot. A failure is logged and ignored,
// same as conflict history: the in-memory protocol state is
// authoritative, the mirror is for post-crash inspection.
func (m *Manager) writeMirror(ctx context.Context, row *store.LockStateRow) {
	if err := m.store.SaveLockState(ctx, row); err != nil {
		m.logger.Warn("lock state mirror failed",
			logging.LockName(row.Name), logging.Error(err))
	}
}
