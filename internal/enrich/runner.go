// Package enrich runs one claimed batch of source items through retrieval,
// extraction and persistence, keeping the batch row's progress current.
package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/cache"
	"github.com/sells-group/corpus-enricher/internal/extract"
	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/resilience"
	"github.com/sells-group/corpus-enricher/internal/store"
)

// maxStackLen caps the stack trace stored on a failed batch.
const maxStackLen = 4000

// finalizeTimeout bounds the terminal status write, which runs even after
// the run context is cancelled.
const finalizeTimeout = 10 * time.Second

// Store is the persistence the runner needs.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*model.BatchJob, error)
	NextPendingBatch(ctx context.Context, jobID string) (*model.BatchProgress, error)
	ClaimBatch(ctx context.Context, batchID string) (*model.BatchProgress, error)
	Heartbeat(ctx context.Context, batchID string, data model.ProgressData) error
	SaveCheckpoint(ctx context.Context, batchID string, cp model.Checkpoint, data model.ProgressData) error
	CompleteBatch(ctx context.Context, batchID string, itemsProcessed int, data model.ProgressData) error
	FailBatch(ctx context.Context, batchID string, data model.ProgressData) error

	ItemsByIDs(ctx context.Context, ids []string) ([]model.SourceItem, error)
	ItemsPage(ctx context.Context, ids []string, offset, limit int) ([]model.SourceItem, error)
	GlobalItemsPage(ctx context.Context, offset, limit int) ([]model.SourceItem, error)

	HasRecords(ctx context.Context, itemID, versionTag string) (bool, error)
	UpsertRecords(ctx context.Context, records []model.EnrichmentRecord) (int, error)
	RecordFailure(ctx context.Context, f model.FailedItem) error
}

// Retriever supplies context for an item. It never fails; an empty slice
// means no context.
type Retriever interface {
	Search(ctx context.Context, q cache.SearchQuery) []model.SearchResult
}

// Extractor turns an item plus context into validated records.
type Extractor interface {
	Extract(ctx context.Context, item model.SourceItem, snippets []model.SearchResult) (*extract.Result, error)
}

// Config tunes the runner.
type Config struct {
	VersionTag        string
	Model             string
	BatchSize         int // used when the batch row does not record one
	KeywordCount      int
	RetrievalLimit    int
	CheckpointEvery   int
	HeartbeatInterval time.Duration
}

// Task identifies the batch to run. With BatchID empty the lowest pending
// batch of JobID is claimed.
type Task struct {
	JobID   string
	BatchID string
}

// FetchMode says where a batch's items came from.
type FetchMode string

const (
	FetchBatchList FetchMode = "batch_list"
	FetchJobList   FetchMode = "job_list"
	FetchGlobal    FetchMode = "global"
)

// Outcome summarizes one Run. Claimed is false when the batch was taken by
// another worker or nothing was pending; all counters are then zero.
type Outcome struct {
	JobID       string
	BatchID     string
	BatchNumber int
	Claimed     bool
	Status      model.BatchStatus
	Mode        FetchMode
	Total       int
	ResumeIndex int
	Data        model.ProgressData
}

// Runner processes batches.
type Runner struct {
	store     Store
	retriever Retriever
	extractor Extractor
	cfg       Config
	now       func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(st Store, retriever Retriever, extractor Extractor, cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 25
	}
	if cfg.KeywordCount <= 0 {
		cfg.KeywordCount = extract.DefaultKeywordCount
	}
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 5
	}
	return &Runner{
		store:     st,
		retriever: retriever,
		extractor: extractor,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run claims the task's batch and processes its items. Losing the claim, or
// finding nothing pending, is not an error: the Outcome reports Claimed
// false. Item-level failures are counted and never abort the batch. Any
// other error marks the batch failed and is returned.
func (r *Runner) Run(ctx context.Context, task Task) (*Outcome, error) {
	log := zap.L().With(zap.String("job_id", task.JobID))

	batchID := task.BatchID
	if batchID == "" {
		next, err := r.store.NextPendingBatch(ctx, task.JobID)
		if err != nil {
			return nil, eris.Wrap(err, "enrich: find pending batch")
		}
		if next == nil {
			log.Info("enrich: no pending batch")
			return &Outcome{JobID: task.JobID}, nil
		}
		batchID = next.ID
	}

	batch, err := r.store.ClaimBatch(ctx, batchID)
	if errors.Is(err, store.ErrClaimLost) {
		log.Info("enrich: batch already claimed", zap.String("batch_id", batchID))
		return &Outcome{JobID: task.JobID, BatchID: batchID}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: claim batch %s", batchID)
	}

	log = log.With(zap.String("batch_id", batch.ID), zap.Int("batch_number", batch.BatchNumber))
	log.Info("enrich: batch claimed")

	out := &Outcome{
		JobID:       batch.JobID,
		BatchID:     batch.ID,
		BatchNumber: batch.BatchNumber,
		Claimed:     true,
		Status:      model.BatchStatusProcessing,
	}
	progress := newProgress(batch.Data, r.cfg.Model)

	stop := startHeartbeat(ctx, r.store, batch.ID, r.cfg.HeartbeatInterval, progress)
	defer stop()

	runErr := r.process(ctx, log, batch, progress, out)
	stop()

	// Terminal writes outlive the run context so a batch never stays
	// processing after Run returns.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if runErr == nil {
		out.Data = progress.done()
		if err := r.store.CompleteBatch(fctx, batch.ID, out.Data.Handled(), out.Data); err != nil {
			runErr = eris.Wrapf(err, "enrich: complete batch %s", batch.ID)
		}
	}
	if runErr != nil {
		out.Status = model.BatchStatusFailed
		out.Data = progress.fail(batchError(runErr, r.now()))
		if err := r.store.FailBatch(fctx, batch.ID, out.Data); err != nil {
			log.Error("enrich: mark batch failed", zap.Error(err))
		}
		log.Error("enrich: batch failed", zap.Error(runErr))
		return out, runErr
	}

	out.Status = model.BatchStatusCompleted
	progress.Usage().LogCost(r.cfg.Model, "enrich")
	log.Info("enrich: batch completed",
		zap.String("mode", string(out.Mode)),
		zap.Int("total", out.Total),
		zap.Int("resume_index", out.ResumeIndex),
		zap.Int("processed", out.Data.Processed),
		zap.Int("skipped", out.Data.Skipped),
		zap.Int("failed", out.Data.Failed),
		zap.Int("new", out.Data.New),
	)
	return out, nil
}

func (r *Runner) process(ctx context.Context, log *zap.Logger, batch *model.BatchProgress, progress *Progress, out *Outcome) error {
	items, mode, err := r.fetchItems(ctx, batch)
	if err != nil {
		return err
	}
	out.Mode = mode
	out.Total = len(items)

	resume := resumeIndex(log, batch.LastCheckpoint, items)
	out.ResumeIndex = resume
	if resume > 0 {
		progress.restore(batch.LastCheckpoint)
		log.Info("enrich: resuming from checkpoint",
			zap.String("item_id", batch.LastCheckpoint.ItemID),
			zap.Int("index", resume),
			zap.Int("handled", batch.LastCheckpoint.Count),
		)
	}

	sinceCheckpoint := 0
	var last *model.SourceItem
	for i := resume; i < len(items); i++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "enrich: run cancelled")
		}
		item := items[i]
		r.handleItem(ctx, log, batch, item, progress)
		last = &items[i]

		sinceCheckpoint++
		if sinceCheckpoint >= r.cfg.CheckpointEvery {
			if err := r.checkpoint(ctx, batch.ID, item.ID, progress); err != nil {
				return err
			}
			sinceCheckpoint = 0
		}
	}
	if sinceCheckpoint > 0 && last != nil {
		if err := r.checkpoint(ctx, batch.ID, last.ID, progress); err != nil {
			return err
		}
	}
	return nil
}

// fetchItems resolves the batch's items: a batch-scoped id list wins, then
// a job-scoped list paged by offset, then the global source table.
func (r *Runner) fetchItems(ctx context.Context, batch *model.BatchProgress) ([]model.SourceItem, FetchMode, error) {
	if len(batch.Data.ItemIDs) > 0 {
		items, err := r.store.ItemsByIDs(ctx, batch.Data.ItemIDs)
		if err != nil {
			return nil, FetchBatchList, eris.Wrap(err, "enrich: fetch batch items")
		}
		return items, FetchBatchList, nil
	}

	offset := batch.StartOffset(r.cfg.BatchSize)
	limit := batch.Size(r.cfg.BatchSize)

	job, err := r.store.GetJob(ctx, batch.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", eris.Wrap(err, "enrich: load job")
	}
	if job != nil && len(job.Metadata.ItemIDs) > 0 {
		items, err := r.store.ItemsPage(ctx, job.Metadata.ItemIDs, offset, limit)
		if err != nil {
			return nil, FetchJobList, eris.Wrap(err, "enrich: fetch job items")
		}
		return items, FetchJobList, nil
	}

	items, err := r.store.GlobalItemsPage(ctx, offset, limit)
	if err != nil {
		return nil, FetchGlobal, eris.Wrap(err, "enrich: fetch items")
	}
	return items, FetchGlobal, nil
}

// resumeIndex returns the index after the checkpointed item, or 0 when
// there is no checkpoint or its item is not in this fetch.
func resumeIndex(log *zap.Logger, cp *model.Checkpoint, items []model.SourceItem) int {
	if cp == nil || cp.ItemID == "" {
		return 0
	}
	for i, it := range items {
		if it.ID == cp.ItemID {
			return i + 1
		}
	}
	log.Warn("enrich: checkpoint item not in batch, restarting from the beginning",
		zap.String("item_id", cp.ItemID))
	return 0
}

func (r *Runner) checkpoint(ctx context.Context, batchID, itemID string, progress *Progress) error {
	cp, data := progress.checkpoint(itemID, r.now())
	if err := r.store.SaveCheckpoint(ctx, batchID, cp, data); err != nil {
		return eris.Wrapf(err, "enrich: checkpoint at %s", itemID)
	}
	return nil
}

// handleItem runs one item and classifies it as processed, skipped or
// failed. It never returns an error.
func (r *Runner) handleItem(ctx context.Context, log *zap.Logger, batch *model.BatchProgress, item model.SourceItem, progress *Progress) {
	progress.setCurrent(item.ID)
	ilog := log.With(zap.String("item_id", item.ID))

	res, skipped, err := r.enrichItem(ctx, item, progress)
	switch {
	case skipped:
		progress.skipped()
		ilog.Debug("enrich: item already enriched")
	case err != nil:
		progress.failed()
		attempts := 0
		if res != nil {
			attempts = res.Attempts
		}
		ilog.Warn("enrich: item failed", zap.Int("attempts", attempts), zap.Error(err))
		f := model.FailedItem{
			ID:           uuid.NewString(),
			JobID:        batch.JobID,
			BatchID:      batch.ID,
			SourceItemID: item.ID,
			Error:        err.Error(),
			ErrorType:    resilience.ClassifyError(err),
			Attempts:     attempts,
			CreatedAt:    r.now(),
		}
		if ferr := r.store.RecordFailure(context.WithoutCancel(ctx), f); ferr != nil {
			ilog.Warn("enrich: record failed item", zap.Error(ferr))
		}
	}
}

// enrichItem returns skipped=true when records already exist at the current
// version. A panic in any step is reported as the item's error.
func (r *Runner) enrichItem(ctx context.Context, item model.SourceItem, progress *Progress) (res *extract.Result, skipped bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("enrich: panic processing item %s: %v", item.ID, p)
		}
	}()

	has, err := r.store.HasRecords(ctx, item.ID, r.cfg.VersionTag)
	if err != nil {
		return nil, false, eris.Wrap(err, "enrich: idempotency check")
	}
	if has {
		return nil, true, nil
	}

	snippets := r.retriever.Search(ctx, cache.SearchQuery{
		Keywords: extract.DeriveKeywords(item, r.cfg.KeywordCount),
		Limit:    r.cfg.RetrievalLimit,
	})

	res, err = r.extractor.Extract(ctx, item, snippets)
	if res != nil {
		progress.addUsage(res.Usage)
	}
	if err != nil {
		return res, false, err
	}

	inserted, err := r.store.UpsertRecords(ctx, res.Records)
	if err != nil {
		return res, false, eris.Wrap(err, "enrich: persist records")
	}
	progress.processed(inserted, res.Dropped, res.Duplicates)
	return res, false, nil
}

func batchError(err error, at time.Time) *model.BatchError {
	stack := eris.ToString(err, true)
	if len(stack) > maxStackLen {
		stack = stack[:maxStackLen]
	}
	return &model.BatchError{
		Message:  err.Error(),
		Type:     errorType(err),
		Stack:    stack,
		FailedAt: at,
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, store.ErrNotProcessing):
		return "lost_ownership"
	default:
		return resilience.ClassifyError(err)
	}
}
