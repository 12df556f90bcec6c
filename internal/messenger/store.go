// Package messenger implements the message dispatch engine: a durable store
// of units of work partitioned into independent transports, a worker pool
// delivering them at-least-once with retry and dead-lettering, and a
// scheduler promoting time-deferred messages.
package messenger

import (
	"context"
	"time"

	"github.com/leadmap/symphony/internal/domain"
)

// Store is the durable record of every enqueued message and the only shared
// mutable state in the engine. All cross-worker coordination happens through
// ClaimNext, which must be atomic: exactly one caller may move a given
// message from pending to processing.
type Store interface {
	// Enqueue persists a new message. The message arrives fully formed
	// (id, transport, status pending or scheduled).
	Enqueue(ctx context.Context, msg *domain.Message) error

	// ClaimNext atomically claims one due message on the transport:
	// status moves to processing, attempts is incremented, and the lock
	// fields are set so the message stays invisible to other workers for
	// visibilityTimeout. Returns ErrNoMessage when nothing is claimable.
	ClaimNext(ctx context.Context, transport, workerID string, visibilityTimeout time.Duration) (*domain.Message, error)

	// MarkCompleted resolves a processing message as successfully handled.
	// Terminal; the message is immutable afterwards.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed resolves a processing message as failed. The message is
	// requeued with backoff unless nonRetryable is set or its attempts
	// exceed max_attempts, in which case it is dead-lettered.
	MarkFailed(ctx context.Context, id string, cause error, backoff domain.Backoff, nonRetryable bool) (domain.FailureOutcome, error)

	// ReleaseExpiredLocks recycles processing messages whose lock has
	// expired: back to pending, or dead-lettered when their attempts are
	// already exhausted. This is what makes delivery at-least-once when a
	// worker dies mid-flight. Returns (released, deadLettered).
	ReleaseExpiredLocks(ctx context.Context) (int64, int64, error)

	// PromoteScheduled moves up to batch due scheduled messages on the
	// transport to pending and returns how many were promoted.
	PromoteScheduled(ctx context.Context, transport string, batch int) (int64, error)

	// Snapshot aggregates the transport's per-status counts in a single
	// consistent read.
	Snapshot(ctx context.Context, transport string) (*domain.QueueStatus, error)

	// Cancel dead-letters a scheduled, pending or failed message with the
	// cancellation marker. Processing and terminal messages cannot be
	// cancelled.
	Cancel(ctx context.Context, id string) error

	// GetMessage returns one message by id.
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// ListDeadLetters returns up to limit dead-lettered messages on the
	// transport, most recent first.
	ListDeadLetters(ctx context.Context, transport string, limit int) ([]*domain.Message, error)
}
