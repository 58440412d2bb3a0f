// Package model defines the data types shared by the enrichment pipeline.
package model

import (
	"time"
)

// BatchStatus is the lifecycle state of a single batch row.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// CanTransition reports whether the pipeline may move a batch from s to next.
// Transitions only go forward; returning to pending is an operator action.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case BatchStatusPending:
		return next == BatchStatusProcessing
	case BatchStatusProcessing:
		return next == BatchStatusCompleted || next == BatchStatusFailed
	default:
		return false
	}
}

// JobMetadata scopes a BatchJob. A non-empty ItemIDs list selects
// scoped-list mode; otherwise the job paginates the whole source table.
type JobMetadata struct {
	ItemIDs []string       `json:"item_ids,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// BatchJob is a logical unit of work spanning many batches.
type BatchJob struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Metadata  JobMetadata `json:"metadata"`
	CreatedAt time.Time   `json:"created_at"`
}

// BatchError captures the diagnostic state of a failed batch.
type BatchError struct {
	Message  string    `json:"message"`
	Type     string    `json:"type"`
	Stack    string    `json:"stack,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// ProgressData is the free-form payload stored with each batch row. The
// worker rewrites it on heartbeat, checkpoint and terminal updates.
type ProgressData struct {
	BatchSize int      `json:"batch_size,omitempty"`
	StartFrom int      `json:"start_from"`
	ItemIDs   []string `json:"item_ids,omitempty"`

	Processed         int `json:"processed"`
	Failed            int `json:"failed"`
	Skipped           int `json:"skipped"`
	New               int `json:"new"`
	ValidationDropped int `json:"validation_dropped"`
	DuplicatesDropped int `json:"duplicates_dropped"`

	CurrentItem   string     `json:"current_item,omitempty"`
	AvgItemMs     int64      `json:"avg_item_ms,omitempty"`
	InputTokens   int64      `json:"input_tokens,omitempty"`
	OutputTokens  int64      `json:"output_tokens,omitempty"`
	EstimatedCost float64    `json:"estimated_cost_usd,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	ResumedFrom   string     `json:"resumed_from,omitempty"`

	Error *BatchError `json:"error,omitempty"`
}

// Handled returns the number of items the run has classified so far. It is
// the value stored in a batch row's items_processed column.
func (d ProgressData) Handled() int {
	return d.Processed + d.Failed + d.Skipped
}

// Checkpoint marks the last handled item of a batch together with the
// counters as they stood at that item, so a resumed run continues the
// totals instead of starting over.
type Checkpoint struct {
	ItemID string    `json:"item_id"`
	Count  int       `json:"count"`
	At     time.Time `json:"at"`

	Processed         int `json:"processed,omitempty"`
	Failed            int `json:"failed,omitempty"`
	Skipped           int `json:"skipped,omitempty"`
	New               int `json:"new,omitempty"`
	ValidationDropped int `json:"validation_dropped,omitempty"`
	DuplicatesDropped int `json:"duplicates_dropped,omitempty"`
}

// BatchProgress is one contiguous slice of work within a job.
type BatchProgress struct {
	ID             string       `json:"id"`
	JobID          string       `json:"job_id"`
	BatchNumber    int          `json:"batch_number"`
	Status         BatchStatus  `json:"status"`
	ItemsProcessed int          `json:"items_processed"`
	Data           ProgressData `json:"data"`
	LastCheckpoint *Checkpoint  `json:"last_checkpoint,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	HeartbeatAt    *time.Time   `json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// StartOffset returns the item offset this batch begins at. Rows created by
// the dispatcher carry it explicitly; planned rows fall back to
// batch_number * batch_size.
func (b *BatchProgress) StartOffset(defaultBatchSize int) int {
	if b.Data.StartFrom > 0 {
		return b.Data.StartFrom
	}
	size := b.Data.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	return b.BatchNumber * size
}

// Size returns the batch size recorded on the row, or def when absent.
func (b *BatchProgress) Size(def int) int {
	if b.Data.BatchSize > 0 {
		return b.Data.BatchSize
	}
	return def
}
