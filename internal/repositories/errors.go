package repositories

import "errors"

// Common repository errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleClaim        = errors.New("notification no longer in sending state")
)
