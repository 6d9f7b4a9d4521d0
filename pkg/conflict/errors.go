package conflict

import "errors"

var (
	// ErrUnresolved means no handler matched and the default policy could
	// not determine an outcome; the caller must abort the transaction.
	ErrUnresolved = errors.New("conflict could not be resolved")

	// ErrHandlerFailed wraps an error returned by a user conflict handler.
	ErrHandlerFailed = errors.New("conflict handler failed")
)
