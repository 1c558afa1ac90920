package dispatcher

import "errors"

var (
	ErrDisabled = errors.New("dispatcher disabled")
	ErrStopped  = errors.New("dispatcher stopped")
	// ErrQueueFull means the bounded queue rejected the request. The caller
	// decides whether to surface or drop it.
	ErrQueueFull = errors.New("dispatcher queue full")
	// ErrAlreadyInProgress is returned for user-origin requests whose
	// (tenant, operation) identity is already being dispatched.
	ErrAlreadyInProgress = errors.New("dispatch already in progress")
)
