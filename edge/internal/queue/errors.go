package queue

import "errors"

var (
	// ErrNotFound is returned when no event has the requested id.
	ErrNotFound = errors.New("event not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("queue store closed")

	// ErrInvalidEvent is returned when an event is missing its id.
	ErrInvalidEvent = errors.New("invalid event")
)
