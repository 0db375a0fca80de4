package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals concurrent writers touched the same row; callers
	// retry a bounded number of times before surfacing it.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrLockHeld indicates another request currently owns an order lock.
	ErrLockHeld = errors.New("resource is locked by another request")
)
