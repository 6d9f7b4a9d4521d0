package worker

import (
	"context"
	"testing"
	"time"

	"github.com/decibel/bdr/pkg/config"
	"github.com/decibel/bdr/pkg/ddllock"
	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/origin"
	"github.com/decibel/bdr/pkg/sequencer"
	"github.com/decibel/bdr/pkg/store"
	"github.com/decibel/bdr/pkg/transport"
)

func coordinatorFixture(t *testing.T) (*PerDBCoordinator, *Registry, *transport.MemoryNetwork) {
	t.Helper()

	self := origin.Origin{SysID: 1, Timeline: 1, DBOID: 1}
	cfg := config.DefaultNodeConfig()
	cfg.NodeName = "node-1"
	cfg.LocalOrigin = self
	cfg.Peers = []config.PeerConfig{
		{Name: "node-2", Origin: peerB, BusAddr: "inproc://node-2"},
		{Name: "node-3", Origin: peerC, BusAddr: "inproc://node-3"},
	}

	logger := logging.NewNopLogger()
	m := metrics.NewRegistry()
	net := transport.NewMemoryNetwork()
	bus := net.Join(self)
	ms := store.NewMemStore()

	reg := NewRegistry(cfg.MaxWorkers, logger, m)
	voter := sequencer.NewVoter(&cfg, ms, bus, logger, m)
	locks := ddllock.NewManager(&cfg, ms, bus, logger, m)

	return NewPerDBCoordinator(&cfg, reg, voter, locks, bus, logger), reg, net
}

func TestCoordinatorStartClaimsSlots(t *testing.T) {
	co, reg, _ := coordinatorFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := co.Start(ctx, "app"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// One coordinator slot plus one apply slot per peer.
	if got := reg.InUse(); got != 3 {
		t.Errorf("InUse = %d, want 3", got)
	}

	if err := co.Start(ctx, "app"); err == nil {
		t.Error("second Start should fail")
	}

	cancel()
	co.Stop()
	if got := reg.InUse(); got != 0 {
		t.Errorf("InUse after Stop = %d, want 0", got)
	}
}

func TestCoordinatorRestartReattaches(t *testing.T) {
	co1, reg, net := coordinatorFixture(t)

	ctx1, cancel1 := context.WithCancel(context.Background())
	if err := co1.Start(ctx1, "app"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}

	// A replacement coordinator comes up while the apply workers from
	// the first incarnation are still registered. It must reattach, not
	// register duplicates.
	self2 := origin.Origin{SysID: 1, Timeline: 1, DBOID: 1}
	cfg := config.DefaultNodeConfig()
	cfg.NodeName = "node-1"
	cfg.LocalOrigin = self2
	cfg.Peers = []config.PeerConfig{
		{Name: "node-2", Origin: peerB, BusAddr: "inproc://node-2"},
		{Name: "node-3", Origin: peerC, BusAddr: "inproc://node-3"},
	}
	logger := logging.NewNopLogger()
	m := metrics.NewRegistry()
	bus := net.Join(origin.Origin{SysID: 9, Timeline: 1, DBOID: 1})
	ms := store.NewMemStore()
	voter := sequencer.NewVoter(&cfg, ms, bus, logger, m)
	locks := ddllock.NewManager(&cfg, ms, bus, logger, m)
	co2 := NewPerDBCoordinator(&cfg, reg, voter, locks, bus, logger)

	ctx2, cancel2 := context.WithCancel(context.Background())
	if err := co2.Start(ctx2, "app"); err != nil {
		t.Fatalf("restart Start failed: %v", err)
	}

	// Slots: co1's coordinator + 2 apply workers + co2's coordinator.
	// The apply workers were reattached, not re-registered.
	if got := reg.InUse(); got != 4 {
		t.Errorf("InUse = %d, want 4", got)
	}

	cancel1()
	cancel2()
	co1.Stop()
	co2.Stop()
}

func TestCoordinatorDemuxFeedsVoter(t *testing.T) {
	co, _, net := coordinatorFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		co.Stop()
	}()

	if err := co.Start(ctx, "app"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := co.voter.RegisterSequence(ctx, "orders_id"); err != nil {
		t.Fatalf("RegisterSequence failed: %v", err)
	}

	// A peer proposes a chunk; the coordinator must route the request to
	// the voter, which answers with a response envelope.
	peerBus := net.Join(peerB)
	req := sequencer.VoteRequest{ElectionID: "e1", SeqID: "orders_id", Low: 0, High: 100}
	if err := peerBus.Broadcast(transport.MsgVoteRequest, req); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	// The voter may also start its own elections; skip anything that is
	// not the response to e1.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-peerBus.Messages():
			if env.Type != transport.MsgVoteResponse {
				continue
			}
			var resp sequencer.VoteResponse
			if err := env.Decode(&resp); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if resp.ElectionID != "e1" {
				continue
			}
			if !resp.Granted {
				t.Errorf("response = %+v, want granted", resp)
			}
			return
		case <-deadline:
			t.Fatal("no vote response routed through the coordinator")
		}
	}
}
