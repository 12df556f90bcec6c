package messenger

import (
	"time"

	"github.com/leadmap/symphony/internal/domain"
)

// QueueCounts is the per-status breakdown of one transport's live queue.
type QueueCounts struct {
	Depth      int `json:"depth"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// StatusSnapshot is the monitoring view of one transport, in the shape the
// dashboard consumes. failedMessages is the dead-letter count;
// scheduledMessages counts not-yet-due scheduled messages.
type StatusSnapshot struct {
	Transport         string      `json:"transport"`
	Queue             QueueCounts `json:"queue"`
	FailedMessages    int         `json:"failedMessages"`
	ScheduledMessages int         `json:"scheduledMessages"`
	Timestamp         time.Time   `json:"timestamp"`
}

// newStatusSnapshot converts a store snapshot to the dashboard shape.
func newStatusSnapshot(qs *domain.QueueStatus) StatusSnapshot {
	return StatusSnapshot{
		Transport: qs.Transport,
		Queue: QueueCounts{
			Depth:      qs.Depth(),
			Pending:    qs.Pending,
			Processing: qs.Processing,
			Completed:  qs.Completed,
			Failed:     qs.Failed,
		},
		FailedMessages:    qs.DeadLettered,
		ScheduledMessages: qs.ScheduledFuture,
		Timestamp:         qs.TakenAt,
	}
}
