package transport

import (
	"testing"
	"time"

	"github.com/decibel/bdr/pkg/origin"
)

var (
	nodeA = origin.Origin{SysID: 1, Timeline: 1, DBOID: 1}
	nodeB = origin.Origin{SysID: 2, Timeline: 1, DBOID: 1}
	nodeC = origin.Origin{SysID: 3, Timeline: 1, DBOID: 1}
)

type testPayload struct {
	Value string `json:"value"`
}

func recvOne(t *testing.T, bus PeerBus) Envelope {
	t.Helper()
	select {
	case env := <-bus.Messages():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestMemoryBroadcastReachesAllPeers(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Join(nodeA)
	b := net.Join(nodeB)
	c := net.Join(nodeC)

	if err := a.Broadcast(MsgVoteRequest, testPayload{Value: "hello"}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for _, bus := range []PeerBus{b, c} {
		env := recvOne(t, bus)
		if env.Type != MsgVoteRequest {
			t.Errorf("unexpected type %v", env.Type)
		}
		if env.From != nodeA {
			t.Errorf("unexpected sender %v", env.From)
		}
		var p testPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if p.Value != "hello" {
			t.Errorf("payload lost: %+v", p)
		}
	}

	// Sender must not hear its own broadcast
	select {
	case env := <-a.Messages():
		t.Errorf("sender received its own message: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPartition(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Join(nodeA)
	b := net.Join(nodeB)
	c := net.Join(nodeC)

	net.Partition(nodeC)

	if err := a.Broadcast(MsgLockRequest, testPayload{Value: "ddl"}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	recvOne(t, b)
	select {
	case env := <-c.Messages():
		t.Errorf("partitioned node received message: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	// Partitioned node's own broadcasts are dropped too
	if err := c.Broadcast(MsgLockRequest, testPayload{}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	select {
	case env := <-a.Messages():
		t.Errorf("received message from partitioned node: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	// After healing, traffic flows again
	net.Heal(nodeC)
	if err := a.Broadcast(MsgLockRelease, testPayload{}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	env := recvOne(t, c)
	if env.Type != MsgLockRelease {
		t.Errorf("unexpected type after heal: %v", env.Type)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgVoteResponse, nodeB, testPayload{Value: "granted"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	var p testPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Value != "granted" {
		t.Errorf("payload mismatch: %+v", p)
	}
	if env.SentAt == 0 {
		t.Error("SentAt not stamped")
	}
}

func TestMessageTypeString(t *testing.T) {
	types := map[MessageType]string{
		MsgVoteRequest:  "vote_request",
		MsgVoteResponse: "vote_response",
		MsgLockRequest:  "lock_request",
		MsgLockGrant:    "lock_grant",
		MsgLockQueued:   "lock_queued",
		MsgLockRelease:  "lock_release",
		MessageType(99): "unknown",
	}
	for mt, want := range types {
		if got := mt.String(); got != want {
			t.Errorf("MessageType(%d).String() = %q, want %q", mt, got, want)
		}
	}
}
