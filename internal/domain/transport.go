package domain

import (
	"time"
)

// Backoff describes the retry delay policy of a transport.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the backoff before the given attempt may be retried:
// min(Max, Initial * Multiplier^(attempt-1)).
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= b.Multiplier
		if delay >= float64(b.Max) {
			return b.Max
		}
	}
	if delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

// Transport is the static configuration of one logical queue. Transports are
// isolated from each other: a backlog or failure storm on one never blocks
// another. Configuration is read-only at runtime.
type Transport struct {
	Name              string
	Concurrency       int
	MaxAttempts       int
	Backoff           Backoff
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	PromotionBatch    int
}

// QueueStatus is a point-in-time aggregation of one transport's messages,
// taken as a single consistent read. It is derived, never stored.
type QueueStatus struct {
	Transport       string
	Pending         int
	Processing      int
	Completed       int
	Failed          int
	DeadLettered    int
	ScheduledDue    int
	ScheduledFuture int
	TakenAt         time.Time
}

// Depth is the number of messages currently in flight or awaiting a worker.
func (q *QueueStatus) Depth() int {
	return q.Pending + q.Processing
}

// Total is the number of messages the snapshot accounts for.
func (q *QueueStatus) Total() int {
	return q.Pending + q.Processing + q.Completed + q.Failed +
		q.DeadLettered + q.ScheduledDue + q.ScheduledFuture
}
