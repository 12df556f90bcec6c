package messenger

import (
	"time"

	"github.com/leadmap/symphony/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "symphony"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messenger",
			Name:      "queue_size",
			Help:      "Number of messages per transport and status",
		},
		[]string{"transport", "status"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messenger",
			Name:      "messages_processed_total",
			Help:      "Total processing attempts resolved, by outcome",
		},
		[]string{"transport", "outcome"},
	)

	handleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messenger",
			Name:      "handle_duration_seconds",
			Help:      "Time spent in message handlers",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"transport"},
	)

	scheduledPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messenger",
			Name:      "scheduled_promoted_total",
			Help:      "Scheduled messages promoted to pending",
		},
		[]string{"transport"},
	)

	locksReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messenger",
			Name:      "expired_locks_total",
			Help:      "Expired claims recycled, by resolution",
		},
		[]string{"resolution"},
	)
)

// recordMessageProcessed records one resolved processing attempt.
func recordMessageProcessed(transport, outcome string) {
	messagesProcessed.WithLabelValues(transport, outcome).Inc()
}

// recordHandleDuration records handler latency.
func recordHandleDuration(transport string, duration time.Duration) {
	handleDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// recordScheduledPromoted records promoted scheduled messages.
func recordScheduledPromoted(transport string, count int64) {
	scheduledPromoted.WithLabelValues(transport).Add(float64(count))
}

// recordLocksReleased records recycled expired claims.
func recordLocksReleased(released, deadLettered int64) {
	locksReleased.WithLabelValues("requeued").Add(float64(released))
	locksReleased.WithLabelValues("dead_lettered").Add(float64(deadLettered))
}

// RecordQueueStatus updates the queue size gauges from a snapshot.
func RecordQueueStatus(qs *domain.QueueStatus) {
	queueSize.WithLabelValues(qs.Transport, string(domain.StatusPending)).Set(float64(qs.Pending))
	queueSize.WithLabelValues(qs.Transport, string(domain.StatusProcessing)).Set(float64(qs.Processing))
	queueSize.WithLabelValues(qs.Transport, string(domain.StatusCompleted)).Set(float64(qs.Completed))
	queueSize.WithLabelValues(qs.Transport, string(domain.StatusFailed)).Set(float64(qs.Failed))
	queueSize.WithLabelValues(qs.Transport, string(domain.StatusDeadLettered)).Set(float64(qs.DeadLettered))
	queueSize.WithLabelValues(qs.Transport, string(domain.StatusScheduled)).Set(float64(qs.ScheduledDue + qs.ScheduledFuture))
}
