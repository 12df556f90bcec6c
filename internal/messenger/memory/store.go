// Package memory provides an in-memory implementation of the messenger
// store. It backs unit tests and single-process dev deployments; the
// postgres store is the production implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadmap/symphony/internal/domain"
	"github.com/leadmap/symphony/internal/messenger"
)

// Store implements messenger.Store with a mutex-guarded map. The mutex is
// the compare-and-set primitive: a claim observes and transitions a message
// in one critical section, so no two workers can claim the same message.
type Store struct {
	mu       sync.Mutex
	messages map[string]*domain.Message
	now      func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		messages: make(map[string]*domain.Message),
		now:      time.Now,
	}
}

// Enqueue stores a new message.
func (s *Store) Enqueue(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return fmt.Errorf("message %s already enqueued", msg.ID)
	}

	s.messages[msg.ID] = msg.Clone()
	return nil
}

// ClaimNext claims the oldest due message on the transport.
func (s *Store) ClaimNext(_ context.Context, transport, workerID string, visibilityTimeout time.Duration) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var candidate *domain.Message
	for _, msg := range s.messages {
		if msg.Transport != transport || !msg.Status.Claimable() {
			continue
		}
		if msg.VisibleAfter != nil && msg.VisibleAfter.After(now) {
			continue
		}
		if candidate == nil || msg.CreatedAt.Before(candidate.CreatedAt) {
			candidate = msg
		}
	}

	if candidate == nil {
		return nil, messenger.ErrNoMessage
	}

	expires := now.Add(visibilityTimeout)
	candidate.Status = domain.StatusProcessing
	candidate.Attempts++
	candidate.LockOwner = &workerID
	candidate.LockExpiresAt = &expires
	candidate.VisibleAfter = nil
	candidate.UpdatedAt = now

	return candidate.Clone(), nil
}

// MarkCompleted resolves a processing message as completed.
func (s *Store) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return messenger.ErrMessageNotFound
	}
	if !msg.Status.CanTransitionTo(domain.StatusCompleted) {
		return fmt.Errorf("%w: %s -> completed", messenger.ErrInvalidTransition, msg.Status)
	}

	msg.Status = domain.StatusCompleted
	msg.LockOwner = nil
	msg.LockExpiresAt = nil
	msg.UpdatedAt = s.now()
	return nil
}

// MarkFailed resolves a processing message as failed, requeueing with
// backoff or dead-lettering when attempts are exhausted.
func (s *Store) MarkFailed(_ context.Context, id string, cause error, backoff domain.Backoff, nonRetryable bool) (domain.FailureOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return "", messenger.ErrMessageNotFound
	}
	if msg.Status != domain.StatusProcessing {
		return "", fmt.Errorf("%w: %s -> failed", messenger.ErrInvalidTransition, msg.Status)
	}

	now := s.now()
	msg.LastError = cause.Error()
	msg.LockOwner = nil
	msg.LockExpiresAt = nil
	msg.UpdatedAt = now

	if nonRetryable || msg.Attempts > msg.MaxAttempts {
		msg.Status = domain.StatusDeadLettered
		msg.VisibleAfter = nil
		return domain.OutcomeDeadLettered, nil
	}

	visibleAfter := now.Add(backoff.Delay(msg.Attempts))
	msg.Status = domain.StatusFailed
	msg.VisibleAfter = &visibleAfter
	return domain.OutcomeRetrying, nil
}

// ReleaseExpiredLocks recycles processing messages with expired claims.
func (s *Store) ReleaseExpiredLocks(_ context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var released, deadLettered int64

	for _, msg := range s.messages {
		if msg.Status != domain.StatusProcessing {
			continue
		}
		if msg.LockExpiresAt == nil || msg.LockExpiresAt.After(now) {
			continue
		}

		msg.LockOwner = nil
		msg.LockExpiresAt = nil
		msg.LastError = domain.LockExpiredMarker
		msg.UpdatedAt = now

		if msg.Attempts > msg.MaxAttempts {
			msg.Status = domain.StatusDeadLettered
			deadLettered++
		} else {
			msg.Status = domain.StatusPending
			msg.VisibleAfter = nil
			released++
		}
	}

	return released, deadLettered, nil
}

// PromoteScheduled moves up to batch due scheduled messages to pending.
func (s *Store) PromoteScheduled(_ context.Context, transport string, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var promoted int64

	for _, msg := range s.messages {
		if promoted >= int64(batch) {
			break
		}
		if msg.Transport != transport || msg.Status != domain.StatusScheduled {
			continue
		}
		if msg.ScheduledAt != nil && msg.ScheduledAt.After(now) {
			continue
		}

		msg.Status = domain.StatusPending
		msg.UpdatedAt = now
		promoted++
	}

	return promoted, nil
}

// Snapshot aggregates per-status counts for the transport in one critical
// section, so the counts reflect a single instant.
func (s *Store) Snapshot(_ context.Context, transport string) (*domain.QueueStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	qs := &domain.QueueStatus{Transport: transport, TakenAt: now}

	for _, msg := range s.messages {
		if msg.Transport != transport {
			continue
		}
		switch msg.Status {
		case domain.StatusPending:
			qs.Pending++
		case domain.StatusProcessing:
			qs.Processing++
		case domain.StatusCompleted:
			qs.Completed++
		case domain.StatusFailed:
			qs.Failed++
		case domain.StatusDeadLettered:
			qs.DeadLettered++
		case domain.StatusScheduled:
			if msg.ScheduledAt != nil && msg.ScheduledAt.After(now) {
				qs.ScheduledFuture++
			} else {
				qs.ScheduledDue++
			}
		}
	}

	return qs, nil
}

// Cancel dead-letters a scheduled, pending or failed message.
func (s *Store) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return messenger.ErrMessageNotFound
	}
	if !msg.Status.Cancellable() {
		return fmt.Errorf("%w: cancel from %s", messenger.ErrInvalidTransition, msg.Status)
	}

	msg.Status = domain.StatusDeadLettered
	msg.LastError = domain.CancelledMarker
	msg.VisibleAfter = nil
	msg.UpdatedAt = s.now()
	return nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, messenger.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

// ListDeadLetters returns up to limit dead-lettered messages, most recently
// updated first.
func (s *Store) ListDeadLetters(_ context.Context, transport string, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Message, 0)
	for _, msg := range s.messages {
		if msg.Transport == transport && msg.Status == domain.StatusDeadLettered {
			out = append(out, msg.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
