package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/decibel/bdr/pkg/config"
	"github.com/decibel/bdr/pkg/ddllock"
	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/sequencer"
	"github.com/decibel/bdr/pkg/transport"
)

// PerDBCoordinator owns the node's database-scoped control plane: the
// sequencer voter, the global lock participant, and the registration of
// one apply worker per peer. It claims the per-database registry slot and
// demuxes the shared peer bus to the voter and the lock manager.
type PerDBCoordinator struct {
	logger   logging.Logger
	cfg      *config.NodeConfig
	registry *Registry
	voter    *sequencer.Voter
	locks    *ddllock.Manager
	bus      transport.PeerBus

	mu      sync.Mutex
	handle  *SlotHandle
	applies map[string]*SlotHandle // peer name -> apply slot
	wg      sync.WaitGroup
}

// NewPerDBCoordinator wires the coordinator. Start must be called before
// any election or lock traffic flows.
func NewPerDBCoordinator(
	cfg *config.NodeConfig,
	reg *Registry,
	voter *sequencer.Voter,
	locks *ddllock.Manager,
	bus transport.PeerBus,
	logger logging.Logger,
) *PerDBCoordinator {
	return &PerDBCoordinator{
		logger:   logger.With(logging.Component("perdb")),
		cfg:      cfg,
		registry: reg,
		voter:    voter,
		locks:    locks,
		bus:      bus,
		applies:  make(map[string]*SlotHandle),
	}
}

// Start claims the coordinator slot, registers the apply workers and
// launches the bus demux and the voter loop. It is idempotent across
// coordinator restarts: apply workers that are already registered are
// reattached, not duplicated.
func (c *PerDBCoordinator) Start(ctx context.Context, database string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		return fmt.Errorf("coordinator already started")
	}

	h, err := c.registry.AllocPerDB(PerDBWorker{
		Database:  database,
		NodeCount: c.cfg.NodeCount(),
	})
	if err != nil {
		return fmt.Errorf("claim coordinator slot: %w", err)
	}
	c.handle = h

	for _, peer := range c.cfg.Peers {
		ah, err := c.registry.AllocApply(ApplyWorker{
			PeerName:          peer.Name,
			Origin:            peer.Origin,
			ForwardChangesets: peer.ForwardChangesets,
		})
		if errors.Is(err, ErrAlreadyRegistered) {
			// A previous coordinator incarnation registered this worker
			// and it is still running.
			c.logger.Info("apply worker already registered",
				logging.Node(peer.Origin.String()))
			continue
		}
		if err != nil {
			c.releaseLocked()
			return fmt.Errorf("register apply worker for %s: %w", peer.Name, err)
		}
		c.applies[peer.Name] = ah
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.voter.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.demux(ctx)
	}()

	c.logger.Info("coordinator started",
		logging.String("database", database),
		logging.Int("peers", len(c.cfg.Peers)),
	)
	return nil
}

// demux routes peer bus messages to the voter and the lock manager.
func (c *PerDBCoordinator) demux(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.bus.Messages():
			if !ok {
				return
			}
			switch env.Type {
			case transport.MsgVoteRequest, transport.MsgVoteResponse:
				c.voter.HandleMessage(ctx, env)
				c.voter.Wakeup()
			case transport.MsgLockRequest, transport.MsgLockGrant,
				transport.MsgLockQueued, transport.MsgLockRelease:
				c.locks.HandleMessage(ctx, env)
			default:
				c.logger.Warn("unknown bus message",
					logging.String("type", env.Type.String()),
					logging.Node(env.From.String()),
				)
			}
		}
	}
}

// Stop releases every slot the coordinator claimed and waits for its
// loops to exit. The context passed to Start must be cancelled first.
func (c *PerDBCoordinator) Stop() {
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

// releaseLocked frees all claimed slots. Caller holds the mutex.
func (c *PerDBCoordinator) releaseLocked() {
	for name, h := range c.applies {
		if err := c.registry.Release(h); err != nil {
			c.logger.Warn("apply slot release failed",
				logging.String("peer", name), logging.Error(err))
		}
		delete(c.applies, name)
	}
	if c.handle != nil {
		if err := c.registry.Release(c.handle); err != nil {
			c.logger.Warn("coordinator slot release failed", logging.Error(err))
		}
		c.handle = nil
	}
}
