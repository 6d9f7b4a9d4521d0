package transport

import (
	"encoding/json"
	"io"
	"time"

	"github.com/decibel/bdr/pkg/origin"
)

// MessageType identifies the coordination message carried in an Envelope.
type MessageType uint8

const (
	// Sequencer election messages
	MsgVoteRequest MessageType = iota
	MsgVoteResponse

	// Global DDL lock messages
	MsgLockRequest
	MsgLockGrant
	MsgLockQueued
	MsgLockRelease
)

// String returns the string representation of a message type
func (t MessageType) String() string {
	switch t {
	case MsgVoteRequest:
		return "vote_request"
	case MsgVoteResponse:
		return "vote_response"
	case MsgLockRequest:
		return "lock_request"
	case MsgLockGrant:
		return "lock_grant"
	case MsgLockQueued:
		return "lock_queued"
	case MsgLockRelease:
		return "lock_release"
	default:
		return "unknown"
	}
}

// Envelope is the wire frame for every coordination message.
type Envelope struct {
	Type   MessageType     `json:"type"`
	From   origin.Origin   `json:"from"`
	SentAt int64           `json:"sent_at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload for broadcast from the given origin.
func NewEnvelope(msgType MessageType, from origin.Origin, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:   msgType,
		From:   from,
		SentAt: time.Now().UnixNano(),
		Data:   data,
	}, nil
}

// Decode decodes the envelope payload into the provided value.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// PeerBus delivers coordination messages between peer nodes. Connection
// establishment and peer authentication happen outside this interface;
// the bus only moves already-trusted envelopes.
type PeerBus interface {
	io.Closer
	// Broadcast sends one message to every reachable peer. Unreachable
	// peers are dropped silently; callers treat silence as abstention.
	Broadcast(msgType MessageType, payload any) error
	// Messages returns the stream of envelopes received from peers.
	Messages() <-chan Envelope
}
