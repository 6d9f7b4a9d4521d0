package sequencer

// State is the per-sequence election state.
type State int

const (
	// StateIdle means no election is in flight for the sequence.
	StateIdle State = iota
	// StateCandidate means a proposal is being prepared.
	StateCandidate
	// StateTallying means a proposal is broadcast and votes are being
	// collected.
	StateTallying
	// StateElected means quorum was reached and the chunk is being
	// persisted before handoff to the cache.
	StateElected
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCandidate:
		return "candidate"
	case StateTallying:
		return "tallying"
	case StateElected:
		return "elected"
	default:
		return "unknown"
	}
}
