package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leadmap/symphony/internal/domain"
)

// MessageHandler processes the payload of a claimed message. Handler
// invocation is the only point where external effects happen; the engine
// knows nothing about what a handler does.
//
// Handlers must tolerate at-least-once delivery: the same message may be
// handled again if a worker dies after doing the work but before the outcome
// is durably recorded.
type MessageHandler interface {
	Handle(ctx context.Context, msg *domain.Message) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(ctx context.Context, msg *domain.Message) error

// Handle calls f.
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *domain.Message) error {
	return f(ctx, msg)
}

// Dispatcher runs the worker pools. For each transport with a registered
// handler it keeps up to Concurrency claim-process-resolve loops going; all
// coordination between them goes through the store's atomic claim.
type Dispatcher struct {
	store    Store
	registry *Registry
	handlers map[string]MessageHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given store and transport
// registry.
func NewDispatcher(store Store, registry *Registry) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		handlers: make(map[string]MessageHandler),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a transport. Must be called before Start.
func (d *Dispatcher) Register(transport string, h MessageHandler) error {
	if _, err := d.registry.Get(transport); err != nil {
		return err
	}
	if _, ok := d.handlers[transport]; ok {
		return fmt.Errorf("handler already registered for transport %q", transport)
	}
	d.handlers[transport] = h
	return nil
}

// Start launches the worker goroutines for every transport with a handler.
func (d *Dispatcher) Start(ctx context.Context) {
	for name, handler := range d.handlers {
		tr, err := d.registry.Get(name)
		if err != nil {
			continue
		}

		slog.Info("starting transport workers",
			"transport", tr.Name,
			"concurrency", tr.Concurrency,
			"poll_interval", tr.PollInterval,
		)

		for i := 0; i < tr.Concurrency; i++ {
			d.wg.Add(1)
			go d.run(ctx, tr, handler)
		}
	}
}

// Stop gracefully stops all workers, waiting for in-flight messages to
// resolve.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context, tr domain.Transport, handler MessageHandler) {
	defer d.wg.Done()

	workerID := uuid.New().String()
	logger := slog.With("transport", tr.Name, "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		msg, err := d.store.ClaimNext(ctx, tr.Name, workerID, tr.VisibilityTimeout)
		if err != nil {
			if !errors.Is(err, ErrNoMessage) {
				logger.Error("claim failed", "error", err)
			}
			if !d.sleep(ctx, tr.PollInterval) {
				return
			}
			continue
		}

		d.process(ctx, tr, handler, msg, logger)
	}
}

func (d *Dispatcher) process(ctx context.Context, tr domain.Transport, handler MessageHandler, msg *domain.Message, logger *slog.Logger) {
	start := time.Now()

	// Keep the handler inside the claim window: once the lock expires the
	// message is fair game for other workers.
	hctx, cancel := context.WithTimeout(ctx, tr.VisibilityTimeout)
	err := handler.Handle(hctx, msg)
	cancel()

	duration := time.Since(start)

	if err == nil {
		if markErr := d.store.MarkCompleted(ctx, msg.ID); markErr != nil {
			logger.Error("failed to mark completed", "message_id", msg.ID, "error", markErr)
			return
		}
		recordMessageProcessed(tr.Name, "completed")
		recordHandleDuration(tr.Name, duration)
		logger.Debug("message completed",
			"message_id", msg.ID,
			"attempt", msg.Attempts,
			"duration", duration,
		)
		return
	}

	logger.Warn("handler failed",
		"message_id", msg.ID,
		"attempt", msg.Attempts,
		"max_attempts", msg.MaxAttempts,
		"error", err,
	)

	outcome, markErr := d.store.MarkFailed(ctx, msg.ID, err, tr.Backoff, !isRetryable(err))
	if markErr != nil {
		logger.Error("failed to mark failed", "message_id", msg.ID, "error", markErr)
		return
	}

	recordMessageProcessed(tr.Name, string(outcome))
	recordHandleDuration(tr.Name, duration)

	if outcome == domain.OutcomeDeadLettered {
		logger.Error("message dead-lettered",
			"message_id", msg.ID,
			"attempts", msg.Attempts,
			"error", err,
		)
	}
}

// sleep waits for the poll interval or shutdown. Returns false on shutdown.
func (d *Dispatcher) sleep(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
