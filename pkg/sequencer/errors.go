package sequencer

import "errors"

var (
	// ErrCacheExhausted is returned by Allocate when the local chunk cache
	// has no values left. The caller retries after the next election.
	ErrCacheExhausted = errors.New("sequence cache exhausted")

	// ErrQuorumNotReached means an election window closed without a strict
	// majority of grants. The voter backs off and retries.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrUnknownSequence is returned for a sequence id that was never
	// registered with the voter.
	ErrUnknownSequence = errors.New("unknown sequence")

	// ErrClosed is returned once the voter has shut down.
	ErrClosed = errors.New("voter closed")
)
