// Package postgres provides the PostgreSQL implementation of the messenger
// store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leadmap/symphony/internal/domain"
	"github.com/leadmap/symphony/internal/messenger"
)

// Store implements messenger.Store using PostgreSQL. Claims rely on
// FOR UPDATE SKIP LOCKED, so any number of workers and processes can pull
// from the same queue without handing out a message twice.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const messageColumns = `
	id, transport, payload, status, attempts, max_attempts,
	scheduled_at, visible_after, lock_owner, lock_expires_at,
	last_error, created_at, updated_at
`

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	var lastError *string
	err := row.Scan(
		&msg.ID,
		&msg.Transport,
		&msg.Payload,
		&msg.Status,
		&msg.Attempts,
		&msg.MaxAttempts,
		&msg.ScheduledAt,
		&msg.VisibleAfter,
		&msg.LockOwner,
		&msg.LockExpiresAt,
		&lastError,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastError != nil {
		msg.LastError = *lastError
	}
	return &msg, nil
}

// Enqueue inserts a new message.
func (s *Store) Enqueue(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (id, transport, payload, status, attempts, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		msg.ID,
		msg.Transport,
		msg.Payload,
		msg.Status,
		msg.Attempts,
		msg.MaxAttempts,
		msg.ScheduledAt,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest due message on the transport.
// Concurrent claimers skip rows another transaction already locked, so each
// message is handed out at most once per visibility window.
func (s *Store) ClaimNext(ctx context.Context, transport, workerID string, visibilityTimeout time.Duration) (*domain.Message, error) {
	query := `
		WITH next AS (
			SELECT id
			FROM messages
			WHERE transport = $1
			  AND status IN ('pending', 'failed')
			  AND (visible_after IS NULL OR visible_after <= NOW())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE messages m
		SET status = 'processing',
		    attempts = m.attempts + 1,
		    lock_owner = $2,
		    lock_expires_at = NOW() + make_interval(secs => $3),
		    visible_after = NULL,
		    updated_at = NOW()
		FROM next
		WHERE m.id = next.id
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.db.QueryRow(ctx, query, transport, workerID, visibilityTimeout.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, messenger.ErrNoMessage
		}
		return nil, fmt.Errorf("claim message: %w", err)
	}
	return msg, nil
}

// MarkCompleted resolves a processing message as completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	query := `
		UPDATE messages
		SET status = 'completed', lock_owner = NULL, lock_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.resolveConflict(ctx, id, domain.StatusCompleted)
	}
	return nil
}

// MarkFailed resolves a processing message after a failed attempt. The
// message is requeued with backoff, or dead-lettered when the failure is
// non-retryable or attempts are exhausted.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error, backoff domain.Backoff, nonRetryable bool) (domain.FailureOutcome, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status domain.MessageStatus
	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT status, attempts, max_attempts
		FROM messages
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status, &attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", messenger.ErrMessageNotFound
		}
		return "", fmt.Errorf("lock message: %w", err)
	}
	if status != domain.StatusProcessing {
		return "", fmt.Errorf("%w: %s -> failed", messenger.ErrInvalidTransition, status)
	}

	outcome := domain.OutcomeRetrying
	if nonRetryable || attempts > maxAttempts {
		outcome = domain.OutcomeDeadLettered
		_, err = tx.Exec(ctx, `
			UPDATE messages
			SET status = 'dead_lettered', last_error = $2,
			    lock_owner = NULL, lock_expires_at = NULL, visible_after = NULL,
			    updated_at = NOW()
			WHERE id = $1
		`, id, cause.Error())
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE messages
			SET status = 'failed', last_error = $2,
			    lock_owner = NULL, lock_expires_at = NULL,
			    visible_after = NOW() + make_interval(secs => $3),
			    updated_at = NOW()
			WHERE id = $1
		`, id, cause.Error(), backoff.Delay(attempts).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return outcome, nil
}

// ReleaseExpiredLocks recycles processing messages whose claim expired.
// Messages with attempts left go back to pending; exhausted ones are
// dead-lettered. Returns (released, deadLettered).
func (s *Store) ReleaseExpiredLocks(ctx context.Context) (int64, int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Dead-letter exhausted messages first so the requeue below cannot pick
	// them up.
	dead, err := tx.Exec(ctx, `
		UPDATE messages
		SET status = 'dead_lettered', last_error = $1,
		    lock_owner = NULL, lock_expires_at = NULL, visible_after = NULL,
		    updated_at = NOW()
		WHERE status = 'processing' AND lock_expires_at <= NOW() AND attempts > max_attempts
	`, domain.LockExpiredMarker)
	if err != nil {
		return 0, 0, fmt.Errorf("dead-letter expired locks: %w", err)
	}

	released, err := tx.Exec(ctx, `
		UPDATE messages
		SET status = 'pending', last_error = $1,
		    lock_owner = NULL, lock_expires_at = NULL, visible_after = NULL,
		    updated_at = NOW()
		WHERE status = 'processing' AND lock_expires_at <= NOW()
	`, domain.LockExpiredMarker)
	if err != nil {
		return 0, 0, fmt.Errorf("release expired locks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return released.RowsAffected(), dead.RowsAffected(), nil
}

// PromoteScheduled moves up to batch due scheduled messages on the transport
// to pending.
func (s *Store) PromoteScheduled(ctx context.Context, transport string, batch int) (int64, error) {
	query := `
		UPDATE messages
		SET status = 'pending', updated_at = NOW()
		WHERE id IN (
			SELECT id
			FROM messages
			WHERE transport = $1 AND status = 'scheduled' AND scheduled_at <= NOW()
			ORDER BY scheduled_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
	`
	result, err := s.db.Exec(ctx, query, transport, batch)
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return result.RowsAffected(), nil
}

// Snapshot aggregates per-status counts for the transport in one statement,
// so the counts reflect a single consistent read.
func (s *Store) Snapshot(ctx context.Context, transport string) (*domain.QueueStatus, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'dead_lettered'),
			COUNT(*) FILTER (WHERE status = 'scheduled' AND scheduled_at <= NOW()),
			COUNT(*) FILTER (WHERE status = 'scheduled' AND scheduled_at > NOW()),
			NOW()
		FROM messages
		WHERE transport = $1
	`
	qs := domain.QueueStatus{Transport: transport}
	err := s.db.QueryRow(ctx, query, transport).Scan(
		&qs.Pending,
		&qs.Processing,
		&qs.Completed,
		&qs.Failed,
		&qs.DeadLettered,
		&qs.ScheduledDue,
		&qs.ScheduledFuture,
		&qs.TakenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot queue: %w", err)
	}
	return &qs, nil
}

// Cancel dead-letters a scheduled, pending or failed message.
func (s *Store) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE messages
		SET status = 'dead_lettered', last_error = $2, visible_after = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'pending', 'failed')
	`
	result, err := s.db.Exec(ctx, query, id, domain.CancelledMarker)
	if err != nil {
		return fmt.Errorf("cancel message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.resolveConflict(ctx, id, domain.StatusDeadLettered)
	}
	return nil
}

// GetMessage retrieves one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	msg, err := scanMessage(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, messenger.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListDeadLetters returns up to limit dead-lettered messages on the
// transport, most recently updated first.
func (s *Store) ListDeadLetters(ctx context.Context, transport string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE transport = $1 AND status = 'dead_lettered'
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, transport, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return messages, nil
}

// resolveConflict distinguishes a missing message from one in a state the
// conditional update refused, after such an update matched zero rows.
func (s *Store) resolveConflict(ctx context.Context, id string, target domain.MessageStatus) error {
	var status domain.MessageStatus
	err := s.db.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return messenger.ErrMessageNotFound
		}
		return fmt.Errorf("inspect message: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", messenger.ErrInvalidTransition, status, target)
}
