package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leadmap/symphony/internal/domain"
)

// Service is the producer- and operator-facing facade over the store and the
// transport registry. Producers only ever see Enqueue; every later outcome is
// observable through the store, never raised back to them.
type Service struct {
	store    Store
	registry *Registry
	now      func() time.Time
}

// NewService creates a messenger service.
func NewService(store Store, registry *Registry) *Service {
	return &Service{
		store:    store,
		registry: registry,
		now:      time.Now,
	}
}

// EnqueueInput describes a message to enqueue.
type EnqueueInput struct {
	Transport string
	Payload   []byte

	// ScheduledAt defers delivery. A past time enqueues as immediately
	// pending unless StrictSchedule is set, in which case it fails with
	// ErrInvalidSchedule.
	ScheduledAt    *time.Time
	StrictSchedule bool

	// MaxAttempts overrides the transport's attempt ceiling when positive.
	MaxAttempts int
}

// Enqueue persists a new message and returns it. The message starts as
// scheduled when ScheduledAt is in the future, pending otherwise.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*domain.Message, error) {
	tr, err := s.registry.Get(input.Transport)
	if err != nil {
		return nil, err
	}

	now := s.now()

	status := domain.StatusPending
	var scheduledAt *time.Time
	if input.ScheduledAt != nil {
		if input.ScheduledAt.After(now) {
			status = domain.StatusScheduled
			t := *input.ScheduledAt
			scheduledAt = &t
		} else if input.StrictSchedule {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSchedule, input.ScheduledAt.Format(time.RFC3339))
		}
	}

	maxAttempts := tr.MaxAttempts
	if input.MaxAttempts > 0 {
		maxAttempts = input.MaxAttempts
	}

	msg := &domain.Message{
		ID:          uuid.New().String(),
		Transport:   input.Transport,
		Payload:     input.Payload,
		Status:      status,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}

	slog.Debug("message enqueued",
		"message_id", msg.ID,
		"transport", msg.Transport,
		"status", msg.Status,
	)

	return msg, nil
}

// GetMessage returns one message by id.
func (s *Service) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// Cancel dead-letters a scheduled, pending or failed message with the
// cancellation marker. Once a worker has claimed a message it can no longer
// be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.store.Cancel(ctx, id)
}

// Replay enqueues a fresh copy of a dead-lettered message on its original
// transport and returns the new message. The dead-lettered original is
// terminal and stays untouched; replay is just another producer.
func (s *Service) Replay(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != domain.StatusDeadLettered {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, id, msg.Status)
	}

	replayed, err := s.Enqueue(ctx, EnqueueInput{
		Transport:   msg.Transport,
		Payload:     msg.Payload,
		MaxAttempts: msg.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("dead-lettered message replayed",
		"message_id", id,
		"replay_id", replayed.ID,
		"transport", msg.Transport,
	)

	return replayed, nil
}

// TransportStatus computes the monitoring snapshot for one transport.
func (s *Service) TransportStatus(ctx context.Context, transport string) (*StatusSnapshot, error) {
	if _, err := s.registry.Get(transport); err != nil {
		return nil, err
	}

	qs, err := s.store.Snapshot(ctx, transport)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", transport, err)
	}

	snapshot := newStatusSnapshot(qs)
	return &snapshot, nil
}

// AllStatuses computes monitoring snapshots for every registered transport.
func (s *Service) AllStatuses(ctx context.Context) ([]StatusSnapshot, error) {
	transports := s.registry.List()
	out := make([]StatusSnapshot, 0, len(transports))
	for _, tr := range transports {
		qs, err := s.store.Snapshot(ctx, tr.Name)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", tr.Name, err)
		}
		out = append(out, newStatusSnapshot(qs))
	}
	return out, nil
}

// Transports returns the registered transport configurations.
func (s *Service) Transports() []domain.Transport {
	return s.registry.List()
}

// DeadLetters returns up to limit dead-lettered messages on the transport.
func (s *Service) DeadLetters(ctx context.Context, transport string, limit int) ([]*domain.Message, error) {
	if _, err := s.registry.Get(transport); err != nil {
		return nil, err
	}
	return s.store.ListDeadLetters(ctx, transport, limit)
}
