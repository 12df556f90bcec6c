package messenger

import "errors"

// Engine errors.
var (
	// ErrInvalidTransport is returned for any operation naming an
	// unregistered transport.
	ErrInvalidTransport = errors.New("transport not registered")

	// ErrInvalidSchedule is returned when strict scheduling is requested
	// with a scheduled_at already in the past.
	ErrInvalidSchedule = errors.New("scheduled_at is in the past")

	// ErrInvalidTransition is returned when an operation would move a
	// message outside the legal state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMessageNotFound is returned when no message exists for an id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNoMessage is returned by ClaimNext when nothing is claimable.
	ErrNoMessage = errors.New("no claimable message")

	// ErrNotDeadLettered is returned when replay is requested for a message
	// that is not dead-lettered.
	ErrNotDeadLettered = errors.New("message is not dead-lettered")
)
