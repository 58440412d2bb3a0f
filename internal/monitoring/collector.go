package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-enricher/internal/model"
)

// StaleBatch is a processing batch whose heartbeat is older than the stale
// threshold.
type StaleBatch struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	BatchNumber int        `json:"batch_number"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CurrentItem string     `json:"current_item,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of batch health.
type MetricsSnapshot struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	Stale       []StaleBatch `json:"stale,omitempty"`
	FailedItems int          `json:"failed_items"`
	QueueDepth  int          `json:"queue_depth"`

	StaleAfter  time.Duration `json:"stale_after"`
	CollectedAt time.Time     `json:"collected_at"`
}

// Store is the read-only store surface the collector needs.
type Store interface {
	CountBatches(ctx context.Context, jobID string) (map[model.BatchStatus]int, error)
	StaleBatches(ctx context.Context, olderThan time.Duration) ([]model.BatchProgress, error)
	CountFailures(ctx context.Context) (int, error)
}

// DepthReporter is implemented by queue backends that can report a backlog.
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store and, optionally, the queue.
type Collector struct {
	store Store
	queue DepthReporter
}

// NewCollector creates a new metrics collector. q may be nil.
func NewCollector(st Store, q DepthReporter) *Collector {
	return &Collector{store: st, queue: q}
}

// Collect gathers a snapshot across all jobs.
func (c *Collector) Collect(ctx context.Context, staleAfter time.Duration) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		StaleAfter:  staleAfter,
		CollectedAt: time.Now().UTC(),
	}

	counts, err := c.store.CountBatches(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count batches")
	}
	snap.Pending = counts[model.BatchStatusPending]
	snap.Processing = counts[model.BatchStatusProcessing]
	snap.Completed = counts[model.BatchStatusCompleted]
	snap.Failed = counts[model.BatchStatusFailed]

	stale, err := c.store.StaleBatches(ctx, staleAfter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stale batches")
	}
	for _, b := range stale {
		snap.Stale = append(snap.Stale, StaleBatch{
			ID:          b.ID,
			JobID:       b.JobID,
			BatchNumber: b.BatchNumber,
			HeartbeatAt: b.HeartbeatAt,
			CurrentItem: b.Data.CurrentItem,
		})
	}

	snap.FailedItems, err = c.store.CountFailures(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count failed items")
	}

	if c.queue != nil {
		depth, err := c.queue.Depth(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue depth")
		}
		snap.QueueDepth = depth
	}

	return snap, nil
}
