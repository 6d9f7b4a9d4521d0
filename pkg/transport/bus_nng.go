package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/bus"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/origin"
)

// recvDeadline bounds each socket read so Close can stop the receive loop.
const recvDeadline = 500 * time.Millisecond

// BusTransport is a PeerBus over a mangos BUS socket. Every node listens
// on its own address and dials all configured peers; a send reaches every
// connected peer in one hop.
type BusTransport struct {
	sock   mangos.Socket
	local  origin.Origin
	msgs   chan Envelope
	stopCh chan struct{}
	logger logging.Logger

	closeOnce sync.Once
}

// NewBusTransport creates a bus transport listening on listenAddr and
// dialing each peer address. Peers that are down at startup are retried
// by mangos in the background.
func NewBusTransport(local origin.Origin, listenAddr string, peerAddrs []string, logger logging.Logger) (*BusTransport, error) {
	sock, err := bus.NewSocket()
	if err != nil {
		return nil, err
	}

	if err := sock.SetOption(mangos.OptionRecvDeadline, recvDeadline); err != nil {
		sock.Close()
		return nil, err
	}

	if err := sock.Listen(listenAddr); err != nil {
		sock.Close()
		return nil, err
	}

	for _, addr := range peerAddrs {
		// Async dial: the peer may not be up yet
		if err := sock.DialOptions(addr, map[string]interface{}{
			mangos.OptionDialAsynch: true,
		}); err != nil {
			sock.Close()
			return nil, err
		}
	}

	t := &BusTransport{
		sock:   sock,
		local:  local,
		msgs:   make(chan Envelope, 256),
		stopCh: make(chan struct{}),
		logger: logger.With(logging.Component("transport")),
	}

	go t.recvLoop()
	return t, nil
}

// Broadcast sends one envelope to all connected peers.
func (t *BusTransport) Broadcast(msgType MessageType, payload any) error {
	env, err := NewEnvelope(msgType, t.local, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.sock.Send(data)
}

// Messages returns the stream of envelopes received from peers.
func (t *BusTransport) Messages() <-chan Envelope {
	return t.msgs
}

// Close shuts down the socket and the receive loop.
func (t *BusTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopCh)
		err = t.sock.Close()
	})
	return err
}

func (t *BusTransport) recvLoop() {
	defer close(t.msgs)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		data, err := t.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			t.logger.Warn("bus receive failed", logging.Error(err))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("dropping malformed envelope", logging.Error(err))
			continue
		}

		// A bus socket can echo our own frames back through a peer
		if env.From == t.local {
			continue
		}

		select {
		case t.msgs <- env:
		case <-t.stopCh:
			return
		}
	}
}

var _ PeerBus = (*BusTransport)(nil)
