// Package dispatch turns a job request into a pending batch row plus a
// queue message, and returns before any work starts.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/enrich"
	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/queue"
)

// MaxBatchSize bounds a single dispatch.
const MaxBatchSize = 500

// Request asks for one batch of a job to be enriched.
type Request struct {
	JobID     string         `json:"jobId"`
	BatchSize int            `json:"batchSize"`
	StartFrom int            `json:"startFrom"`
	ItemIDs   []string       `json:"itemIds,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ValidationError describes a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the request and assigns a job id when none was given.
func (r *Request) Validate() error {
	r.JobID = strings.TrimSpace(r.JobID)
	if r.JobID == "" {
		r.JobID = uuid.NewString()
	}
	if r.BatchSize < 1 || r.BatchSize > MaxBatchSize {
		return &ValidationError{Field: "batchSize", Reason: fmt.Sprintf("must be between 1 and %d", MaxBatchSize)}
	}
	if r.StartFrom < 0 {
		return &ValidationError{Field: "startFrom", Reason: "must not be negative"}
	}
	for i, id := range r.ItemIDs {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Field: "itemIds", Reason: fmt.Sprintf("element %d is empty", i)}
		}
	}
	return nil
}

// BatchNumber is the batch window the request's start offset falls in.
func (r *Request) BatchNumber() int {
	return r.StartFrom / r.BatchSize
}

// Ack is returned to the caller immediately. The result is observed by
// polling the batch row.
type Ack struct {
	Success     bool   `json:"success"`
	JobID       string `json:"jobId"`
	BatchID     string `json:"batchId"`
	BatchNumber int    `json:"batchNumber"`
	StartFrom   int    `json:"startFrom"`
}

// Store is the persistence the dispatcher needs.
type Store interface {
	EnsureJob(ctx context.Context, job *model.BatchJob) error
	EnsureBatch(ctx context.Context, jobID string, batchNumber int, data model.ProgressData) (*model.BatchProgress, error)
}

// Dispatcher records and enqueues batch requests.
type Dispatcher struct {
	store Store
	queue queue.Queue
}

// New creates a Dispatcher.
func New(st Store, q queue.Queue) *Dispatcher {
	return &Dispatcher{store: st, queue: q}
}

// Dispatch validates req, makes sure the job and a pending batch row exist,
// and enqueues the batch. Dispatching the same window twice reuses the
// row; the second worker loses the claim and exits.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Ack, error) {
	if err := req.Validate(); err != nil {
		return Ack{}, err
	}
	number := req.BatchNumber()

	if err := d.store.EnsureJob(ctx, &model.BatchJob{
		ID:       req.JobID,
		Metadata: model.JobMetadata{Extra: req.Metadata},
	}); err != nil {
		return Ack{}, eris.Wrapf(err, "dispatch: ensure job %s", req.JobID)
	}

	batch, err := d.store.EnsureBatch(ctx, req.JobID, number, model.ProgressData{
		BatchSize: req.BatchSize,
		StartFrom: req.StartFrom,
		ItemIDs:   req.ItemIDs,
	})
	if err != nil {
		return Ack{}, eris.Wrapf(err, "dispatch: ensure batch %s/%d", req.JobID, number)
	}

	if err := d.queue.Enqueue(ctx, queue.Message{
		JobID:       req.JobID,
		BatchID:     batch.ID,
		BatchNumber: number,
	}); err != nil {
		return Ack{}, eris.Wrapf(err, "dispatch: enqueue batch %s/%d", req.JobID, number)
	}

	zap.L().Info("dispatch: batch enqueued",
		zap.String("job_id", req.JobID),
		zap.String("batch_id", batch.ID),
		zap.Int("batch_number", number),
		zap.String("status", string(batch.Status)),
	)
	return Ack{
		Success:     true,
		JobID:       req.JobID,
		BatchID:     batch.ID,
		BatchNumber: number,
		StartFrom:   req.StartFrom,
	}, nil
}

// BatchRunner runs one batch task.
type BatchRunner interface {
	Run(ctx context.Context, task enrich.Task) (*enrich.Outcome, error)
}

// Handler adapts a runner to the queue consumer.
func Handler(r BatchRunner) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		_, err := r.Run(ctx, enrich.Task{JobID: msg.JobID, BatchID: msg.BatchID})
		return err
	}
}
