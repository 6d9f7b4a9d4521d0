package ddllock

import "errors"

var (
	// ErrLockHeld means another node currently holds the lock. Callers
	// back off and retry; this is never a blocking wait.
	ErrLockHeld = errors.New("global lock held by another node")

	// ErrNotHolder is returned when releasing a lock this node does not
	// hold.
	ErrNotHolder = errors.New("not the lock holder")

	// ErrAcquireAborted means the acquisition wait was cancelled before
	// every peer acknowledged.
	ErrAcquireAborted = errors.New("lock acquisition aborted")
)
