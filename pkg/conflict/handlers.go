package conflict

import (
	"fmt"
	"time"
)

// Handler resolves one conflict. Implementations cover user-registered
// triggers and the built-in policies; the apply worker never cares which
// variant it is holding.
type Handler interface {
	// Name identifies the handler in logs and conflict records.
	Name() string
	// Matches reports whether the handler applies to the given conflict
	// type and to a local row whose last commit is elapsed old. A zero
	// timeframe matches any age.
	Matches(t Type, elapsed time.Duration) bool
	// Timeframe returns the handler's window; zero means unbounded.
	Timeframe() time.Duration
	// Resolve produces the outcome and the resolution to record.
	Resolve(c *Conflict) (Outcome, Resolution, error)
}

// HandlerFunc is the signature of a user conflict trigger. Returning a
// non-nil tuple substitutes it for the incoming change; returning
// (nil, true, nil) skips the change. Returning (nil, false, nil) declines,
// and resolution falls through to the next handler or the default policy.
type HandlerFunc func(local, remote *TupleData) (*TupleData, bool, error)

// UserDefinedHandler wraps a registered conflict trigger.
type UserDefinedHandler struct {
	HandlerName  string
	ConflictType Type
	Window       time.Duration
	Fn           HandlerFunc
}

func (h *UserDefinedHandler) Name() string { return h.HandlerName }

func (h *UserDefinedHandler) Timeframe() time.Duration { return h.Window }

func (h *UserDefinedHandler) Matches(t Type, elapsed time.Duration) bool {
	if t != h.ConflictType {
		return false
	}
	return h.Window == 0 || elapsed <= h.Window
}

func (h *UserDefinedHandler) Resolve(c *Conflict) (Outcome, Resolution, error) {
	tuple, skip, err := h.Fn(c.LocalTuple, c.RemoteTuple)
	if err != nil {
		return Outcome{}, ResolutionUnhandledTxAbort,
			fmt.Errorf("%w: %s: %v", ErrHandlerFailed, h.HandlerName, err)
	}
	if skip {
		return Outcome{Apply: false}, ResolutionTriggerSkipChange, nil
	}
	if tuple != nil {
		return Outcome{Apply: true, Tuple: tuple}, ResolutionTriggerReturnedTuple, nil
	}
	// Handler declined; the resolver falls through.
	return Outcome{}, ResolutionUnhandledTxAbort, errHandlerDeclined
}

// errHandlerDeclined is internal: a matching handler chose not to decide.
var errHandlerDeclined = fmt.Errorf("handler declined")

// LastUpdateWinsHandler applies the last-update-wins policy explicitly,
// recording a last_update_wins_* resolution instead of the default one.
type LastUpdateWinsHandler struct {
	ConflictType Type
	Window       time.Duration
}

func (h *LastUpdateWinsHandler) Name() string { return "last_update_wins" }

func (h *LastUpdateWinsHandler) Timeframe() time.Duration { return h.Window }

func (h *LastUpdateWinsHandler) Matches(t Type, elapsed time.Duration) bool {
	if t != h.ConflictType {
		return false
	}
	return h.Window == 0 || elapsed <= h.Window
}

func (h *LastUpdateWinsHandler) Resolve(c *Conflict) (Outcome, Resolution, error) {
	if remoteWins(c) {
		return Outcome{Apply: true}, ResolutionLastUpdateWinsKeepRemote, nil
	}
	return Outcome{Apply: false}, ResolutionLastUpdateWinsKeepLocal, nil
}

// AlwaysApplyHandler unconditionally applies the incoming change.
type AlwaysApplyHandler struct {
	ConflictType Type
	Window       time.Duration
}

func (h *AlwaysApplyHandler) Name() string { return "always_apply" }

func (h *AlwaysApplyHandler) Timeframe() time.Duration { return h.Window }

func (h *AlwaysApplyHandler) Matches(t Type, elapsed time.Duration) bool {
	if t != h.ConflictType {
		return false
	}
	return h.Window == 0 || elapsed <= h.Window
}

func (h *AlwaysApplyHandler) Resolve(c *Conflict) (Outcome, Resolution, error) {
	return Outcome{Apply: true}, ResolutionDefaultApplyChange, nil
}

// AlwaysSkipHandler unconditionally keeps the local row.
type AlwaysSkipHandler struct {
	ConflictType Type
	Window       time.Duration
}

func (h *AlwaysSkipHandler) Name() string { return "always_skip" }

func (h *AlwaysSkipHandler) Timeframe() time.Duration { return h.Window }

func (h *AlwaysSkipHandler) Matches(t Type, elapsed time.Duration) bool {
	if t != h.ConflictType {
		return false
	}
	return h.Window == 0 || elapsed <= h.Window
}

func (h *AlwaysSkipHandler) Resolve(c *Conflict) (Outcome, Resolution, error) {
	return Outcome{Apply: false}, ResolutionDefaultSkipChange, nil
}

// remoteWins decides last-update-wins: the newer commit wins, and an
// exact timestamp tie falls back to ascending origin identity so every
// node picks the same winner.
func remoteWins(c *Conflict) bool {
	if c.RemoteCommitTime.After(c.LocalCommitTime) {
		return true
	}
	if c.RemoteCommitTime.Before(c.LocalCommitTime) {
		return false
	}
	return c.RemoteOrigin.Compare(c.LocalOrigin) < 0
}
