// Package domain contains the core messenger types shared across modules.
package domain

import "time"

// MessageStatus represents the lifecycle state of a message.
type MessageStatus string

// Message statuses.
const (
	StatusScheduled    MessageStatus = "scheduled"
	StatusPending      MessageStatus = "pending"
	StatusProcessing   MessageStatus = "processing"
	StatusCompleted    MessageStatus = "completed"
	StatusFailed       MessageStatus = "failed"
	StatusDeadLettered MessageStatus = "dead_lettered"
)

// CancelledMarker is recorded as last_error when an operator cancels a
// message. It distinguishes deliberate dead-letters from exhausted retries.
const CancelledMarker = "cancelled by operator"

// LockExpiredMarker is recorded as last_error when a claim expires without a
// handler outcome.
const LockExpiredMarker = "visibility timeout expired"

// Message is the unit of work tracked by the message store.
//
// Payload is opaque to the engine; only the handler registered for the
// message's transport interprets it. Attempts counts processing attempts made
// so far and never exceeds MaxAttempts+1.
type Message struct {
	ID            string
	Transport     string
	Payload       []byte
	Status        MessageStatus
	Attempts      int
	MaxAttempts   int
	ScheduledAt   *time.Time
	VisibleAfter  *time.Time
	LockOwner     *string
	LockExpiresAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the status admits no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Claimable reports whether a message in this status may be claimed by a
// worker once its visibility marker has elapsed. Failed messages are
// retry-waiting and claimed exactly like pending ones.
func (s MessageStatus) Claimable() bool {
	return s == StatusPending || s == StatusFailed
}

// Cancellable reports whether a message in this status may still be
// cancelled. A message already claimed by a worker cannot be cancelled.
func (s MessageStatus) Cancellable() bool {
	return s == StatusScheduled || s == StatusPending || s == StatusFailed
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Stores reject everything else with ErrInvalidTransition.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	switch s {
	case StatusScheduled:
		return next == StatusPending || next == StatusDeadLettered
	case StatusPending:
		return next == StatusProcessing || next == StatusDeadLettered
	case StatusFailed:
		return next == StatusProcessing || next == StatusDeadLettered
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed ||
			next == StatusPending || next == StatusDeadLettered
	default:
		return false
	}
}

// Locked reports whether the message currently holds a live claim.
func (m *Message) Locked(now time.Time) bool {
	return m.Status == StatusProcessing && m.LockExpiresAt != nil && m.LockExpiresAt.After(now)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	c.ScheduledAt = cloneTime(m.ScheduledAt)
	c.VisibleAfter = cloneTime(m.VisibleAfter)
	c.LockExpiresAt = cloneTime(m.LockExpiresAt)
	if m.LockOwner != nil {
		owner := *m.LockOwner
		c.LockOwner = &owner
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// FailureOutcome is the resolution of a failed processing attempt.
type FailureOutcome string

// Failure outcomes.
const (
	OutcomeRetrying     FailureOutcome = "retrying"
	OutcomeDeadLettered FailureOutcome = "dead_lettered"
)
