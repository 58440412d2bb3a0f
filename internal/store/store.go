// Package store persists jobs, batch progress, source items and enrichment
// records. Batch claiming and status transitions are enforced in SQL so
// that concurrent workers never process the same batch twice.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-enricher/internal/model"
)

var (
	// ErrNotFound is returned when a job or batch does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrClaimLost is returned by ClaimBatch when another worker claimed the
	// batch first or it is no longer pending.
	ErrClaimLost = eris.New("store: batch claim lost")

	// ErrNotProcessing is returned when a heartbeat, checkpoint or terminal
	// update targets a batch that is no longer in processing.
	ErrNotProcessing = eris.New("store: batch is not processing")

	// ErrNotResettable is returned when ResetBatch targets a pending or
	// completed batch.
	ErrNotResettable = eris.New("store: batch cannot be reset")
)

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	JobID  string            `json:"job_id,omitempty"`
	Status model.BatchStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.BatchJob) error
	GetJob(ctx context.Context, jobID string) (*model.BatchJob, error)
	EnsureJob(ctx context.Context, job *model.BatchJob) error

	// Batches
	EnsureBatch(ctx context.Context, jobID string, batchNumber int, data model.ProgressData) (*model.BatchProgress, error)
	PlanBatches(ctx context.Context, jobID string, total, batchSize int) (int, error)
	NextPendingBatch(ctx context.Context, jobID string) (*model.BatchProgress, error)
	ClaimBatch(ctx context.Context, batchID string) (*model.BatchProgress, error)
	Heartbeat(ctx context.Context, batchID string, data model.ProgressData) error
	SaveCheckpoint(ctx context.Context, batchID string, cp model.Checkpoint, data model.ProgressData) error
	CompleteBatch(ctx context.Context, batchID string, itemsProcessed int, data model.ProgressData) error
	FailBatch(ctx context.Context, batchID string, data model.ProgressData) error
	GetBatch(ctx context.Context, batchID string) (*model.BatchProgress, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchProgress, error)
	CountBatches(ctx context.Context, jobID string) (map[model.BatchStatus]int, error)
	StaleBatches(ctx context.Context, olderThan time.Duration) ([]model.BatchProgress, error)
	ResetBatch(ctx context.Context, batchID string) error

	// Source items
	ItemsByIDs(ctx context.Context, ids []string) ([]model.SourceItem, error)
	ItemsPage(ctx context.Context, ids []string, offset, limit int) ([]model.SourceItem, error)
	GlobalItemsPage(ctx context.Context, offset, limit int) ([]model.SourceItem, error)
	ImportItems(ctx context.Context, items []model.SourceItem) (int64, error)

	// Enrichment records
	HasRecords(ctx context.Context, itemID, versionTag string) (bool, error)
	UpsertRecords(ctx context.Context, records []model.EnrichmentRecord) (int, error)
	CountRecords(ctx context.Context, itemID, versionTag string) (int, error)
	ListRecords(ctx context.Context, itemID, versionTag string) ([]model.EnrichmentRecord, error)

	// Failed items
	RecordFailure(ctx context.Context, f model.FailedItem) error
	ListFailures(ctx context.Context, batchID string) ([]model.FailedItem, error)
	CountFailures(ctx context.Context) (int, error)

	// Knowledge corpus
	ImportKnowledge(ctx context.Context, chunks []model.KnowledgeChunk) (int64, error)
	SearchKnowledge(ctx context.Context, keywords []string, limit int) ([]model.SearchResult, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// PlanSize returns how many batches of batchSize cover total items.
func PlanSize(total, batchSize int) int {
	if total <= 0 || batchSize <= 0 {
		return 0
	}
	return (total + batchSize - 1) / batchSize
}

// recordKey is the uniqueness key of an enrichment record.
func recordKey(r model.EnrichmentRecord) string {
	return r.SourceItemID + "|" + r.VersionTag + "|" + r.FacetHash
}

// prepareRecords fills ids, hashes and timestamps and drops records that
// collide on the uniqueness key within the same write.
func prepareRecords(records []model.EnrichmentRecord, now time.Time, newID func() string) []model.EnrichmentRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]model.EnrichmentRecord, 0, len(records))
	for _, r := range records {
		if r.FacetHash == "" {
			r.ComputeHash()
		}
		k := recordKey(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if r.ID == "" {
			r.ID = newID()
		}
		if r.Keywords == nil {
			r.Keywords = []string{}
		}
		r.CreatedAt = now
		r.UpdatedAt = now
		out = append(out, r)
	}
	return out
}

func nonNilFields(f map[string]any) map[string]any {
	if f == nil {
		return map[string]any{}
	}
	return f
}

func decodeBatchJSON(b *model.BatchProgress, data, checkpoint []byte) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, &b.Data); err != nil {
			return eris.Wrapf(err, "unmarshal data of batch %s", b.ID)
		}
	}
	if len(checkpoint) > 0 && string(checkpoint) != "null" {
		b.LastCheckpoint = &model.Checkpoint{}
		if err := json.Unmarshal(checkpoint, b.LastCheckpoint); err != nil {
			return eris.Wrapf(err, "unmarshal checkpoint of batch %s", b.ID)
		}
	}
	return nil
}

// orderByIDs arranges items in the order of ids.
func orderByIDs(items []model.SourceItem, ids []string) []model.SourceItem {
	byID := make(map[string]model.SourceItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]model.SourceItem, 0, len(items))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
			delete(byID, id)
		}
	}
	return out
}

func knowledgeResult(id, sourceID, content string, score float64) model.SearchResult {
	src := sourceID
	if src == "" {
		src = id
	}
	return model.SearchResult{
		Content:   content,
		SourceIDs: []string{src},
		Score:     score,
		Source:    "corpus",
	}
}
