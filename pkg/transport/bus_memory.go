package transport

import (
	"sync"

	"github.com/decibel/bdr/pkg/origin"
)

// MemoryNetwork connects MemoryBus instances in-process. Tests use it to
// run several coordination participants without sockets, and to partition
// individual nodes to simulate unreachable peers.
type MemoryNetwork struct {
	mu          sync.Mutex
	buses       map[origin.Origin]*MemoryBus
	partitioned map[origin.Origin]bool
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		buses:       make(map[origin.Origin]*MemoryBus),
		partitioned: make(map[origin.Origin]bool),
	}
}

// Join adds a node to the network and returns its bus.
func (n *MemoryNetwork) Join(node origin.Origin) *MemoryBus {
	n.mu.Lock()
	defer n.mu.Unlock()

	b := &MemoryBus{
		network: n,
		local:   node,
		msgs:    make(chan Envelope, 256),
	}
	n.buses[node] = b
	return b
}

// Partition cuts a node off from the network. Its broadcasts are dropped
// and nothing is delivered to it.
func (n *MemoryNetwork) Partition(node origin.Origin) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[node] = true
}

// Heal reconnects a previously partitioned node.
func (n *MemoryNetwork) Heal(node origin.Origin) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, node)
}

func (n *MemoryNetwork) deliver(env Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.partitioned[env.From] {
		return
	}
	for node, b := range n.buses {
		if node == env.From || n.partitioned[node] || b.closed {
			continue
		}
		select {
		case b.msgs <- env:
		default:
			// Receiver is saturated; drop like a lossy network would
		}
	}
}

// MemoryBus is the in-process PeerBus for one node.
type MemoryBus struct {
	network *MemoryNetwork
	local   origin.Origin
	msgs    chan Envelope
	closed  bool
	mu      sync.Mutex
}

// Broadcast fans the message out to every connected node.
func (b *MemoryBus) Broadcast(msgType MessageType, payload any) error {
	env, err := NewEnvelope(msgType, b.local, payload)
	if err != nil {
		return err
	}
	b.network.deliver(*env)
	return nil
}

// Messages returns the stream of envelopes received from peers.
func (b *MemoryBus) Messages() <-chan Envelope {
	return b.msgs
}

// Close detaches the bus from the network.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	b.network.mu.Lock()
	delete(b.network.buses, b.local)
	b.network.mu.Unlock()

	close(b.msgs)
	return nil
}

var _ PeerBus = (*MemoryBus)(nil)
