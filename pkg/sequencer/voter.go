package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decibel/bdr/pkg/config"
	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/origin"
	"github.com/decibel/bdr/pkg/store"
	"github.com/decibel/bdr/pkg/transport"
)

// VoteRequest proposes a chunk for election. Broadcast to every peer.
type VoteRequest struct {
	ElectionID string `json:"election_id"`
	SeqID      string `json:"seq_id"`
	Low        int64  `json:"low"`
	High       int64  `json:"high"`
}

// VoteResponse answers a proposal. Denials carry the high bound of the
// conflicting range so the loser can re-propose past it.
type VoteResponse struct {
	ElectionID   string `json:"election_id"`
	SeqID        string `json:"seq_id"`
	Granted      bool   `json:"granted"`
	ConflictHigh int64  `json:"conflict_high,omitempty"`
}

// seqState is the per-sequence election state machine. All fields are
// guarded by the voter's mutex.
type seqState struct {
	state State
	cache chunkCache

	// in-flight proposal, valid in Candidate, Tallying and Elected.
	// Grants are keyed by the responding origin so a response replayed
	// by the bus cannot be counted twice.
	electionID string
	proposal   store.SequenceChunk
	grants     map[origin.Origin]bool
	started    time.Time
	deadline   time.Time

	// nextLow floors the next proposal: the highest bound learned from
	// denials, committed chunks and our own past proposals.
	nextLow int64

	backoffUntil time.Time
}

// Voter runs the leaderless per-sequence chunk elections for one node.
// There is no sequence leader: any node whose cache runs low proposes the
// next free range and commits it once a strict majority of configured
// nodes grants it.
type Voter struct {
	mu sync.Mutex

	logger  logging.Logger
	metrics *metrics.Registry
	store   store.Store
	bus     transport.PeerBus

	self origin.Origin
	// quorum is the strict majority of configured nodes. The proposer's
	// own vote counts.
	quorum int
	cfg    config.SequencerConfig

	seqs map[string]*seqState

	wake   chan struct{}
	closed bool
}

// NewVoter creates a voter for the local node.
func NewVoter(cfg *config.NodeConfig, s store.Store, bus transport.PeerBus, logger logging.Logger, reg *metrics.Registry) *Voter {
	return &Voter{
		logger:  logger.With(logging.Component("sequencer")),
		metrics: reg,
		store:   s,
		bus:     bus,
		self:    cfg.LocalOrigin,
		quorum:  cfg.Quorum(),
		cfg:     cfg.Sequencer,
		seqs:    make(map[string]*seqState),
		wake:    make(chan struct{}, 1),
	}
}

// RegisterSequence starts managing allocations for a sequence. Existing
// committed state is recovered from the store so a restarted node resumes
// past its own last chunk.
func (v *Voter) RegisterSequence(ctx context.Context, seqID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}
	if _, ok := v.seqs[seqID]; ok {
		return nil
	}

	high, err := v.store.MaxCommittedHigh(ctx, seqID)
	if err != nil {
		return fmt.Errorf("recover sequence %s: %w", seqID, err)
	}

	v.seqs[seqID] = &seqState{state: StateIdle, nextLow: high}
	v.logger.Info("sequence registered", logging.Sequence(seqID), logging.Int64("next_low", high))
	return nil
}

// Allocate pulls the next value for a sequence from the local cache. An
// empty cache fails with ErrCacheExhausted and pokes the election loop.
func (v *Voter) Allocate(seqID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return 0, ErrClosed
	}
	st, ok := v.seqs[seqID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}

	val, ok := st.cache.take()
	if !ok {
		v.metrics.SequencerCacheExhaustions.Inc()
		v.wakeupLocked()
		return 0, fmt.Errorf("%w: %s", ErrCacheExhausted, seqID)
	}

	v.metrics.SequencerValuesAllocated.Inc()
	if st.cache.remaining() < v.cfg.LowWaterMark {
		v.wakeupLocked()
	}
	return val, nil
}

// Wakeup schedules an immediate election/tally pass.
func (v *Voter) Wakeup() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wakeupLocked()
}

func (v *Voter) wakeupLocked() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// StartElections proposes a chunk for every registered sequence whose
// cache is below the low-water mark and that has no election in flight.
// Proposals are staged under the mutex; the broadcasts run outside it so
// allocations never wait on the socket.
func (v *Voter) StartElections() {
	v.mu.Lock()
	now := time.Now()
	var reqs []VoteRequest
	for seqID, st := range v.seqs {
		if st.state != StateIdle {
			continue
		}
		if st.cache.remaining() >= v.cfg.LowWaterMark && st.cache.remaining() > 0 {
			continue
		}
		if now.Before(st.backoffUntil) {
			continue
		}
		reqs = append(reqs, v.proposeLocked(seqID, st))
	}
	v.mu.Unlock()

	for _, req := range reqs {
		if err := v.bus.Broadcast(transport.MsgVoteRequest, req); err != nil {
			v.logger.Warn("vote request broadcast failed",
				logging.Sequence(req.SeqID), logging.Error(err))
			v.abandonProposal(req)
			continue
		}
		v.markTallying(req)
	}
}

// proposeLocked stages a vote request for the next free range. Proposals
// from this node start past everything it has seen, so they never collide
// with its own earlier proposals. Caller holds the mutex.
func (v *Voter) proposeLocked(seqID string, st *seqState) VoteRequest {
	st.state = StateCandidate
	st.electionID = uuid.NewString()
	st.proposal = store.SequenceChunk{
		ElectionID: st.electionID,
		SeqID:      seqID,
		Owner:      v.self,
		Low:        st.nextLow,
		High:       st.nextLow + v.cfg.ChunkSize,
	}
	st.grants = make(map[origin.Origin]bool)
	st.started = time.Now()
	st.deadline = st.started.Add(v.cfg.ElectionTimeout)

	v.logger.Debug("chunk proposed",
		logging.Sequence(seqID),
		logging.String("election", st.electionID),
		logging.Int64("low", st.proposal.Low),
		logging.Int64("high", st.proposal.High),
	)
	return VoteRequest{
		ElectionID: st.electionID,
		SeqID:      seqID,
		Low:        st.proposal.Low,
		High:       st.proposal.High,
	}
}

// markTallying opens the tally window once the request is on the wire.
func (v *Voter) markTallying(req VoteRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.seqs[req.SeqID]
	if ok && st.state == StateCandidate && st.electionID == req.ElectionID {
		st.state = StateTallying
	}
}

// abandonProposal rolls back an election whose request never left this
// node.
func (v *Voter) abandonProposal(req VoteRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.seqs[req.SeqID]
	if !ok || st.electionID != req.ElectionID || st.state != StateCandidate {
		return
	}
	st.state = StateIdle
	st.backoffUntil = time.Now().Add(v.cfg.RetryBackoff)
}

// HandleMessage dispatches sequencer envelopes from the bus. Other
// message types are ignored.
func (v *Voter) HandleMessage(ctx context.Context, env transport.Envelope) {
	switch env.Type {
	case transport.MsgVoteRequest:
		var req VoteRequest
		if err := env.Decode(&req); err != nil {
			v.logger.Warn("malformed vote request", logging.Error(err))
			return
		}
		v.handleVoteRequest(ctx, env.From, req)

	case transport.MsgVoteResponse:
		var resp VoteResponse
		if err := env.Decode(&resp); err != nil {
			v.logger.Warn("malformed vote response", logging.Error(err))
			return
		}
		v.handleVoteResponse(env.From, resp)
	}
}

// handleVoteRequest is the peer side of an election: grant unless the
// proposal collides with a committed chunk we know about or with our own
// in-flight proposal that outranks it.
func (v *Voter) handleVoteRequest(ctx context.Context, from origin.Origin, req VoteRequest) {
	resp := VoteResponse{ElectionID: req.ElectionID, SeqID: req.SeqID, Granted: true}

	maxHigh, err := v.store.MaxCommittedHigh(ctx, req.SeqID)
	if err != nil {
		v.logger.Warn("vote request store check failed",
			logging.Sequence(req.SeqID), logging.Error(err))
		// Cannot verify: abstain by staying silent.
		return
	}
	if req.Low < maxHigh {
		resp.Granted = false
		resp.ConflictHigh = maxHigh
	}

	v.mu.Lock()
	st, tracked := v.seqs[req.SeqID]
	if resp.Granted && tracked && st.state != StateIdle {
		ours := &st.proposal
		theirs := &store.SequenceChunk{Low: req.Low, High: req.High}
		if ours.Overlaps(theirs) {
			if st.state == StateElected || v.self.Compare(from) < 0 {
				// Our in-flight proposal outranks the requester's, or it
				// already won its quorum and is being persisted.
				resp.Granted = false
				resp.ConflictHigh = ours.High
			} else {
				// The lower node id wins; abandon our proposal and
				// re-propose past theirs next cycle.
				v.logger.Info("proposal lost to lower node id",
					logging.Sequence(req.SeqID),
					logging.Node(from.String()),
				)
				v.metrics.RecordElection("lost", time.Since(st.started))
				st.state = StateIdle
				if req.High > st.nextLow {
					st.nextLow = req.High
				}
				st.backoffUntil = time.Now().Add(v.cfg.RetryBackoff)
			}
		}
	}
	if tracked && resp.Granted && req.High > st.nextLow {
		// Remember the bound so our own next proposal stays disjoint
		// even before the winner's chunk reaches the store.
		st.nextLow = req.High
	}
	v.mu.Unlock()

	if err := v.bus.Broadcast(transport.MsgVoteResponse, resp); err != nil {
		v.logger.Warn("vote response broadcast failed",
			logging.Sequence(req.SeqID), logging.Error(err))
	}
}

// handleVoteResponse tallies one peer's answer to our own proposal.
// Responses for foreign or stale elections are dropped.
func (v *Voter) handleVoteResponse(from origin.Origin, resp VoteResponse) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.seqs[resp.SeqID]
	if !ok || st.electionID != resp.ElectionID {
		return
	}
	if st.state != StateCandidate && st.state != StateTallying {
		return
	}

	if !resp.Granted {
		// Any denial kills the election: either the range is already
		// committed somewhere or a lower node id holds it.
		v.logger.Info("proposal denied",
			logging.Sequence(resp.SeqID),
			logging.Node(from.String()),
			logging.Int64("conflict_high", resp.ConflictHigh),
		)
		v.metrics.RecordElection("lost", time.Since(st.started))
		st.state = StateIdle
		if resp.ConflictHigh > st.nextLow {
			st.nextLow = resp.ConflictHigh
		}
		st.backoffUntil = time.Now().Add(v.cfg.RetryBackoff)
		return
	}

	st.grants[from] = true
}

// Tally closes out in-flight elections: quorum reached moves the chunk
// through persistence into the cache, an expired window abandons the
// election with a backoff. Invoked once per wakeup.
func (v *Voter) Tally(ctx context.Context) error {
	type win struct {
		seqID string
		chunk store.SequenceChunk
	}

	v.mu.Lock()
	now := time.Now()
	var firstErr error
	var wins []win
	for seqID, st := range v.seqs {
		if st.state != StateTallying {
			continue
		}

		// Self counts toward the majority.
		if len(st.grants)+1 >= v.quorum {
			st.state = StateElected
			chunk := st.proposal
			chunk.Committed = true
			wins = append(wins, win{seqID: seqID, chunk: chunk})
			continue
		}

		if now.After(st.deadline) {
			v.logger.Warn("election timed out",
				logging.Sequence(seqID),
				logging.Int("grants", len(st.grants)+1),
				logging.Int("quorum", v.quorum),
			)
			v.metrics.RecordElection("no_quorum", time.Since(st.started))
			st.state = StateIdle
			st.backoffUntil = now.Add(v.cfg.RetryBackoff)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s", ErrQuorumNotReached, seqID)
			}
		}
	}
	v.mu.Unlock()

	for _, w := range wins {
		if err := v.commitElected(ctx, w.seqID, w.chunk); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// commitElected persists the elected chunk and only then hands it to the
// local cache. A crash between election and persistence just forces a
// re-election; a crash after persistence is recovered from the store. The
// order means no range can ever be allocated twice. The store write runs
// outside the mutex, so allocations on other sequences never wait on it.
func (v *Voter) commitElected(ctx context.Context, seqID string, chunk store.SequenceChunk) error {
	saveErr := v.store.SaveChunk(ctx, &chunk)

	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.seqs[seqID]
	if !ok || st.state != StateElected || st.electionID != chunk.ElectionID {
		return nil
	}

	if saveErr != nil {
		// Overlap at commit time means a concurrent winner beat us to
		// the store; anything else is a store fault. Either way the
		// range is not ours.
		v.logger.Warn("chunk persist failed",
			logging.Sequence(seqID),
			logging.Error(saveErr),
		)
		v.metrics.RecordElection("lost", time.Since(st.started))
		st.state = StateIdle
		st.backoffUntil = time.Now().Add(v.cfg.RetryBackoff)
		return fmt.Errorf("persist chunk for %s: %w", seqID, saveErr)
	}

	st.cache.add(chunk)
	if chunk.High > st.nextLow {
		st.nextLow = chunk.High
	}
	st.state = StateIdle

	v.metrics.RecordElection("won", time.Since(st.started))
	v.metrics.SequencerChunksCommitted.Inc()
	v.logger.Info("chunk committed",
		logging.Sequence(seqID),
		logging.String("election", chunk.ElectionID),
		logging.Int64("low", chunk.Low),
		logging.Int64("high", chunk.High),
	)
	return nil
}

// CacheRemaining reports the values left in a sequence's local cache.
func (v *Voter) CacheRemaining(seqID string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if st, ok := v.seqs[seqID]; ok {
		return st.cache.remaining()
	}
	return 0
}

// State returns the election state of a sequence.
func (v *Voter) State(seqID string) State {
	v.mu.Lock()
	defer v.mu.Unlock()

	if st, ok := v.seqs[seqID]; ok {
		return st.state
	}
	return StateIdle
}

// Run drives election passes until the context is cancelled. Bus
// messages are not consumed here; the owning coordinator demuxes the
// shared bus and feeds HandleMessage.
func (v *Voter) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.RetryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			v.mu.Lock()
			v.closed = true
			v.mu.Unlock()
			return

		case <-v.wake:
			v.StartElections()
			v.Tally(ctx)

		case <-ticker.C:
			v.StartElections()
			v.Tally(ctx)
		}
	}
}
