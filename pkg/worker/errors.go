package worker

import "errors"

var (
	// ErrNoFreeSlots means the registry is at capacity.
	ErrNoFreeSlots = errors.New("no free worker slots")

	// ErrSlotAlreadyEmpty flags a double release.
	ErrSlotAlreadyEmpty = errors.New("worker slot already empty")

	// ErrStaleHandle means the slot was reused since the handle was
	// issued.
	ErrStaleHandle = errors.New("stale slot handle")

	// ErrAlreadyRegistered means an apply worker for the peer is already
	// registered; the coordinator reattaches instead of starting a
	// duplicate.
	ErrAlreadyRegistered = errors.New("apply worker already registered")
)
