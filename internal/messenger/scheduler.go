package messenger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig contains scheduler configuration.
type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:  2 * time.Second,
		BatchSize: 100,
	}
}

// Scheduler is the single periodic task that promotes due scheduled messages
// to pending, transport by transport, in bounded batches, and recycles
// expired claims. Workers never dispatch a scheduled message directly; its
// cadence is a tunable, not a correctness property.
type Scheduler struct {
	config   SchedulerConfig
	store    Store
	registry *Registry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the given store and registry.
func NewScheduler(config SchedulerConfig, store Store, registry *Registry) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSchedulerConfig().BatchSize
	}
	return &Scheduler{
		config:   config,
		store:    store,
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting scheduler",
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize,
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one promotion and lock-recovery pass.
func (s *Scheduler) tick(ctx context.Context) {
	for _, tr := range s.registry.List() {
		batch := tr.PromotionBatch
		if batch <= 0 {
			batch = s.config.BatchSize
		}

		// Batches bound row-lock contention; loop until the backlog of
		// due messages is drained.
		for {
			promoted, err := s.store.PromoteScheduled(ctx, tr.Name, batch)
			if err != nil {
				slog.Error("failed to promote scheduled messages",
					"transport", tr.Name,
					"error", err,
				)
				break
			}
			if promoted > 0 {
				recordScheduledPromoted(tr.Name, promoted)
				slog.Debug("promoted scheduled messages",
					"transport", tr.Name,
					"count", promoted,
				)
			}
			if promoted < int64(batch) {
				break
			}
		}
	}

	released, deadLettered, err := s.store.ReleaseExpiredLocks(ctx)
	if err != nil {
		slog.Error("failed to release expired locks", "error", err)
		return
	}
	if released > 0 || deadLettered > 0 {
		recordLocksReleased(released, deadLettered)
		slog.Info("recovered expired claims",
			"released", released,
			"dead_lettered", deadLettered,
		)
	}
}
