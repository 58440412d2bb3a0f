package enrich

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-enricher/internal/cache"
	"github.com/sells-group/corpus-enricher/internal/extract"
	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/store"
	"github.com/sells-group/corpus-enricher/pkg/anthropic"
)

const testVersion = "v1"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedItems(t *testing.T, st store.Store, n int) []model.SourceItem {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items := make([]model.SourceItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, model.SourceItem{
			ID:        fmt.Sprintf("item-%02d", i),
			Title:     fmt.Sprintf("110.%d Conductor Termination", i),
			Content:   fmt.Sprintf("Terminations for clause %d shall be identified for the conductor material.", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	_, err := st.ImportItems(context.Background(), items)
	require.NoError(t, err)
	return items
}

func pendingBatch(t *testing.T, st store.Store, jobID string, number int, data model.ProgressData) *model.BatchProgress {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.EnsureJob(ctx, &model.BatchJob{ID: jobID}))
	b, err := st.EnsureBatch(ctx, jobID, number, data)
	require.NoError(t, err)
	return b
}

// fakeExtractor returns one record per item unless fn overrides it.
type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, item model.SourceItem) (*extract.Result, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, item model.SourceItem, _ []model.SearchResult) (*extract.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.ID)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, item)
	}
	return &extract.Result{
		Records:  []model.EnrichmentRecord{recordFor(item.ID, "Terminations")},
		Attempts: 1,
		Usage:    anthropic.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeExtractor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func recordFor(itemID, category string) model.EnrichmentRecord {
	return extract.ToRecord(extract.Candidate{
		Category:       category,
		PrimaryTopic:   "termination rating",
		Description:    "Terminals must be identified for the conductor material and temperature rating.",
		Keywords:       []string{"terminal", "conductor", "rating"},
		TechnicalLevel: 2,
		Confidence:     0.8,
	}, itemID, testVersion)
}

type fakeRetriever struct {
	queries atomic.Int32
}

func (f *fakeRetriever) Search(context.Context, cache.SearchQuery) []model.SearchResult {
	f.queries.Add(1)
	return []model.SearchResult{{Content: "Table 110.14(C)", Score: 1}}
}

func newTestRunner(st Store, ex Extractor) *Runner {
	return NewRunner(st, &fakeRetriever{}, ex, Config{
		VersionTag:      testVersion,
		Model:           "claude-test",
		BatchSize:       10,
		CheckpointEvery: 2,
	})
}

func assertCounterInvariant(t *testing.T, out *Outcome) {
	t.Helper()
	assert.Equal(t, out.Total, out.Data.Handled())
}

func TestRun_ScenarioA(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, 2)
	b := pendingBatch(t, st, "job-a", 0, model.ProgressData{BatchSize: 2, StartFrom: 0})
	ex := &fakeExtractor{}

	out, err := newTestRunner(st, ex).Run(context.Background(), Task{JobID: "job-a", BatchID: b.ID})
	require.NoError(t, err)

	assert.True(t, out.Claimed)
	assert.Equal(t, model.BatchStatusCompleted, out.Status)
	assert.Equal(t, FetchGlobal, out.Mode)
	assert.Equal(t, 2, out.Data.Processed)
	assert.Equal(t, 2, out.Data.New)
	assert.Equal(t, int64(20), out.Data.InputTokens)
	assertCounterInvariant(t, out)

	got, err := st.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)
	assert.Equal(t, 2, got.ItemsProcessed)
	require.NotNil(t, got.LastCheckpoint)
	assert.Equal(t, "item-01", got.LastCheckpoint.ItemID)

	n, err := st.CountRecords(context.Background(), "", testVersion)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRun_ScenarioB_ConcurrentDispatch(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, 2)
	b := pendingBatch(t, st, "job-b", 0, model.ProgressData{BatchSize: 2})
	ex := &fakeExtractor{}
	runner := newTestRunner(st, ex)

	var wg sync.WaitGroup
	outs := make([]*Outcome, 2)
	errs := make([]error, 2)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = runner.Run(context.Background(), Task{JobID: "job-b", BatchID: b.ID})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	claimed := 0
	for _, o := range outs {
		if o.Claimed {
			claimed++
			assert.Equal(t, model.BatchStatusCompleted, o.Status)
			assert.Equal(t, 2, o.Data.Processed)
		} else {
			assert.Zero(t, o.Data.Processed)
		}
	}
	assert.Equal(t, 1, claimed)
	assert.Len(t, ex.Calls(), 2)
}

func TestRun_ScenarioC_TimeoutOnEveryAttempt(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 3)
	b := pendingBatch(t, st, "job-c", 0, model.ProgressData{BatchSize: 3})

	slow := items[1].ID
	client := &blockingClient{blockOn: items[1].Content}
	ex := extract.New(client, extract.Config{
		Model:          "claude-test",
		VersionTag:     testVersion,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        20 * time.Millisecond,
	})

	out, err := newTestRunner(st, ex).Run(context.Background(), Task{JobID: "job-c", BatchID: b.ID})
	require.NoError(t, err)

	assert.Equal(t, model.BatchStatusCompleted, out.Status)
	assert.Equal(t, 2, out.Data.Processed)
	assert.Equal(t, 1, out.Data.Failed)
	assertCounterInvariant(t, out)
	assert.Equal(t, int32(3), client.blocked.Load())

	n, err := st.CountRecords(context.Background(), slow, testVersion)
	require.NoError(t, err)
	assert.Zero(t, n)

	failures, err := st.ListFailures(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, slow, failures[0].SourceItemID)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Contains(t, failures[0].Error, "timed out")
}

// blockingClient answers with one valid facet, except for prompts that
// contain blockOn, which hang until cancelled.
type blockingClient struct {
	blockOn string
	blocked atomic.Int32
}

func (c *blockingClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if strings.Contains(req.Messages[0].Content, c.blockOn) {
		c.blocked.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &anthropic.MessageResponse{
		StopReason: "end_turn",
		Content: []anthropic.ContentBlock{{Type: "text", Text: `[{"category":"Terminations",` +
			`"description":"Terminals must be identified for the conductor material used.",` +
			`"keywords":["terminal","conductor","material"],"technical_level":2,"confidence":0.9}]`}},
	}, nil
}

func TestRun_IdempotentRerun(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 3)
	ids := []string{items[0].ID, items[1].ID, items[2].ID}
	ex := &fakeExtractor{}
	runner := newTestRunner(st, ex)
	ctx := context.Background()

	first := pendingBatch(t, st, "job-idem", 0, model.ProgressData{ItemIDs: ids})
	out, err := runner.Run(ctx, Task{JobID: "job-idem", BatchID: first.ID})
	require.NoError(t, err)
	assert.Equal(t, FetchBatchList, out.Mode)
	assert.Equal(t, 3, out.Data.Processed)

	second := pendingBatch(t, st, "job-idem", 1, model.ProgressData{ItemIDs: ids})
	out, err = runner.Run(ctx, Task{JobID: "job-idem", BatchID: second.ID})
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, out.Status)
	assert.Equal(t, 3, out.Data.Skipped)
	assert.Zero(t, out.Data.Processed)
	assert.Zero(t, out.Data.New)
	assertCounterInvariant(t, out)

	assert.Len(t, ex.Calls(), 3)
	n, err := st.CountRecords(ctx, "", testVersion)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRun_PartialFailure(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 4)
	b := pendingBatch(t, st, "job-partial", 0, model.ProgressData{BatchSize: 4})
	bad := items[2].ID
	ex := &fakeExtractor{fn: func(_ context.Context, item model.SourceItem) (*extract.Result, error) {
		if item.ID == bad {
			return &extract.Result{Attempts: 3}, extract.ErrNoValidRecords
		}
		return &extract.Result{Records: []model.EnrichmentRecord{recordFor(item.ID, "Wiring")}, Attempts: 1, Dropped: 1}, nil
	}}

	out, err := newTestRunner(st, ex).Run(context.Background(), Task{JobID: "job-partial", BatchID: b.ID})
	require.NoError(t, err)

	assert.Equal(t, model.BatchStatusCompleted, out.Status)
	assert.Equal(t, 3, out.Data.Processed)
	assert.Equal(t, 1, out.Data.Failed)
	assert.Equal(t, 3, out.Data.ValidationDropped)
	assertCounterInvariant(t, out)
	assert.Len(t, ex.Calls(), 4)

	failures, err := st.ListFailures(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, bad, failures[0].SourceItemID)
	assert.Equal(t, "permanent", failures[0].ErrorType)
	assert.Equal(t, 3, failures[0].Attempts)
}

func TestRun_PanicIsItemFailure(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 2)
	b := pendingBatch(t, st, "job-panic", 0, model.ProgressData{BatchSize: 2})
	ex := &fakeExtractor{fn: func(_ context.Context, item model.SourceItem) (*extract.Result, error) {
		if item.ID == items[0].ID {
			panic("nil map")
		}
		return &extract.Result{Records: []model.EnrichmentRecord{recordFor(item.ID, "Wiring")}}, nil
	}}

	out, err := newTestRunner(st, ex).Run(context.Background(), Task{JobID: "job-panic", BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Data.Failed)
	assert.Equal(t, 1, out.Data.Processed)
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 5)
	ctx := context.Background()
	b := pendingBatch(t, st, "job-resume", 0, model.ProgressData{BatchSize: 5})

	// A previous run checkpointed after item 2, then died.
	_, err := st.ClaimBatch(ctx, b.ID)
	require.NoError(t, err)
	cp := model.Checkpoint{ItemID: items[2].ID, Count: 3, At: time.Now().UTC(), Processed: 2, Skipped: 1, New: 2}
	require.NoError(t, st.SaveCheckpoint(ctx, b.ID, cp, model.ProgressData{BatchSize: 5, Processed: 2, Skipped: 1, New: 2}))
	require.NoError(t, st.FailBatch(ctx, b.ID, model.ProgressData{BatchSize: 5, Processed: 2, Skipped: 1, Failed: 1, New: 2}))
	require.NoError(t, st.ResetBatch(ctx, b.ID))

	ex := &fakeExtractor{}
	out, err := newTestRunner(st, ex).Run(ctx, Task{JobID: "job-resume"})
	require.NoError(t, err)

	assert.Equal(t, 3, out.ResumeIndex)
	assert.Equal(t, items[2].ID, out.Data.ResumedFrom)
	assert.Equal(t, []string{items[3].ID, items[4].ID}, ex.Calls())
	assert.Equal(t, 4, out.Data.Processed)
	assert.Equal(t, 1, out.Data.Skipped)
	assert.Zero(t, out.Data.Failed, "failures after the checkpoint are redone, not carried")
	assert.Equal(t, 4, out.Data.New)
	assertCounterInvariant(t, out)

	got, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ItemsProcessed)
}

func TestRun_InterruptedRunMatchesUninterruptedTotals(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 5)
	ctx := context.Background()
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}

	// Both batches carry the same items under different versions so the
	// second does not see the first's records.
	whole := pendingBatch(t, st, "job-whole", 0, model.ProgressData{ItemIDs: ids})
	baseline, err := newTestRunner(st, &fakeExtractor{}).Run(ctx, Task{JobID: "job-whole", BatchID: whole.ID})
	require.NoError(t, err)

	split := pendingBatch(t, st, "job-split", 0, model.ProgressData{ItemIDs: ids})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	calls := 0
	interrupted := &fakeExtractor{fn: func(ctx context.Context, item model.SourceItem) (*extract.Result, error) {
		calls++
		if calls == 3 {
			cancel()
			return nil, ctx.Err()
		}
		rec := recordFor(item.ID, "Terminations")
		rec.VersionTag = "v2"
		rec.ComputeHash()
		return &extract.Result{Records: []model.EnrichmentRecord{rec}, Attempts: 1}, nil
	}}
	runner := NewRunner(st, &fakeRetriever{}, interrupted, Config{VersionTag: "v2", CheckpointEvery: 2})
	_, err = runner.Run(runCtx, Task{JobID: "job-split", BatchID: split.ID})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, st.ResetBatch(ctx, split.ID))

	resumed, err := runner.Run(ctx, Task{JobID: "job-split", BatchID: split.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.ResumeIndex)

	assert.Equal(t, baseline.Data.Processed, resumed.Data.Processed)
	assert.Equal(t, baseline.Data.New, resumed.Data.New)
	assert.Equal(t, baseline.Data.Failed, resumed.Data.Failed)
	assert.Equal(t, baseline.Data.Skipped, resumed.Data.Skipped)

	a, err := st.GetBatch(ctx, whole.ID)
	require.NoError(t, err)
	b, err := st.GetBatch(ctx, split.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, a.ItemsProcessed)
	assert.Equal(t, a.ItemsProcessed, b.ItemsProcessed)
}

func TestRun_CheckpointItemMissingRestartsAtZero(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, 2)
	ctx := context.Background()
	b := pendingBatch(t, st, "job-lost-cp", 0, model.ProgressData{BatchSize: 2})

	_, err := st.ClaimBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, st.SaveCheckpoint(ctx, b.ID, model.Checkpoint{ItemID: "deleted-item", Count: 1}, model.ProgressData{BatchSize: 2}))
	require.NoError(t, st.FailBatch(ctx, b.ID, model.ProgressData{BatchSize: 2}))
	require.NoError(t, st.ResetBatch(ctx, b.ID))

	ex := &fakeExtractor{}
	out, err := newTestRunner(st, ex).Run(ctx, Task{JobID: "job-lost-cp", BatchID: b.ID})
	require.NoError(t, err)
	assert.Zero(t, out.ResumeIndex)
	assert.Len(t, ex.Calls(), 2)
}

func TestRun_JobScopedList(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 6)
	ctx := context.Background()
	require.NoError(t, st.EnsureJob(ctx, &model.BatchJob{
		ID:       "job-list",
		Metadata: model.JobMetadata{ItemIDs: []string{items[5].ID, items[1].ID, items[3].ID}},
	}))
	b, err := st.EnsureBatch(ctx, "job-list", 1, model.ProgressData{BatchSize: 2, StartFrom: 2})
	require.NoError(t, err)

	ex := &fakeExtractor{}
	out, err := newTestRunner(st, ex).Run(ctx, Task{JobID: "job-list", BatchID: b.ID})
	require.NoError(t, err)

	assert.Equal(t, FetchJobList, out.Mode)
	// Job-scoped lists page in creation order: 1, 3, 5.
	assert.Equal(t, []string{items[5].ID}, ex.Calls())
}

func TestRun_GlobalSkipsSentinel(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, 2)
	_, err := st.ImportItems(context.Background(), []model.SourceItem{{
		ID: "general", Title: model.SentinelItemTitle, Content: "placeholder",
		CreatedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	b := pendingBatch(t, st, "job-global", 0, model.ProgressData{BatchSize: 10})

	ex := &fakeExtractor{}
	_, err = newTestRunner(st, ex).Run(context.Background(), Task{JobID: "job-global", BatchID: b.ID})
	require.NoError(t, err)
	assert.NotContains(t, ex.Calls(), "general")
	assert.Len(t, ex.Calls(), 2)
}

func TestRun_NothingPending(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.EnsureJob(context.Background(), &model.BatchJob{ID: "job-empty"}))

	out, err := newTestRunner(st, &fakeExtractor{}).Run(context.Background(), Task{JobID: "job-empty"})
	require.NoError(t, err)
	assert.False(t, out.Claimed)
	assert.Empty(t, out.BatchID)
}

func TestRun_ClaimsLowestPending(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, 4)
	ctx := context.Background()
	require.NoError(t, st.EnsureJob(ctx, &model.BatchJob{ID: "job-plan"}))
	_, err := st.PlanBatches(ctx, "job-plan", 4, 2)
	require.NoError(t, err)

	ex := &fakeExtractor{}
	runner := newTestRunner(st, ex)
	out, err := runner.Run(ctx, Task{JobID: "job-plan"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.BatchNumber)
	assert.Equal(t, []string{"item-00", "item-01"}, ex.Calls())

	out, err = runner.Run(ctx, Task{JobID: "job-plan"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.BatchNumber)
	assert.Equal(t, []string{"item-00", "item-01", "item-02", "item-03"}, ex.Calls())
}

// failingFetchStore breaks the batch fetch, which is fatal to the batch.
type failingFetchStore struct {
	*store.SQLiteStore
}

func (failingFetchStore) GlobalItemsPage(context.Context, int, int) ([]model.SourceItem, error) {
	return nil, errors.New("connection refused")
}

func TestRun_FetchErrorFailsBatch(t *testing.T) {
	st := newTestStore(t)
	b := pendingBatch(t, st, "job-fatal", 0, model.ProgressData{BatchSize: 2})

	out, err := newTestRunner(failingFetchStore{st}, &fakeExtractor{}).Run(context.Background(), Task{JobID: "job-fatal", BatchID: b.ID})
	require.Error(t, err)
	assert.Equal(t, model.BatchStatusFailed, out.Status)

	got, err := st.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, got.Status)
	require.NotNil(t, got.Data.Error)
	assert.Contains(t, got.Data.Error.Message, "connection refused")
	assert.Equal(t, "transient", got.Data.Error.Type)
	assert.NotEmpty(t, got.Data.Error.Stack)
	assert.LessOrEqual(t, len(got.Data.Error.Stack), maxStackLen)
}

func TestRun_CancelledMidBatchFailsBatch(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 3)
	b := pendingBatch(t, st, "job-cancel", 0, model.ProgressData{BatchSize: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := &fakeExtractor{fn: func(_ context.Context, item model.SourceItem) (*extract.Result, error) {
		if item.ID == items[0].ID {
			cancel()
		}
		return &extract.Result{Records: []model.EnrichmentRecord{recordFor(item.ID, "Wiring")}}, nil
	}}

	out, err := newTestRunner(st, ex).Run(ctx, Task{JobID: "job-cancel", BatchID: b.ID})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.BatchStatusFailed, out.Status)

	got, err := st.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, got.Status)
	assert.Equal(t, "cancelled", got.Data.Error.Type)
}

// completeFailsStore rejects the terminal success write.
type completeFailsStore struct {
	*store.SQLiteStore
}

func (completeFailsStore) CompleteBatch(context.Context, string, int, model.ProgressData) error {
	return errors.New("write timeout")
}

func TestRun_CompleteErrorFailsBatch(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, 2)
	b := pendingBatch(t, st, "job-complete", 0, model.ProgressData{BatchSize: 2})

	out, err := newTestRunner(completeFailsStore{st}, &fakeExtractor{}).Run(context.Background(), Task{JobID: "job-complete", BatchID: b.ID})
	require.ErrorContains(t, err, "write timeout")
	assert.Equal(t, model.BatchStatusFailed, out.Status)

	got, err := st.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, got.Status)
	require.NotNil(t, got.Data.Error)
	assert.Contains(t, got.Data.Error.Message, "write timeout")
	assert.Equal(t, 2, got.Data.Processed)
}

func TestRun_CancelAfterLastItemStillFinalizes(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, 2)
	b := pendingBatch(t, st, "job-late-cancel", 0, model.ProgressData{BatchSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := &fakeExtractor{fn: func(_ context.Context, item model.SourceItem) (*extract.Result, error) {
		if item.ID == items[1].ID {
			defer cancel()
		}
		return &extract.Result{Records: []model.EnrichmentRecord{recordFor(item.ID, "Wiring")}, Attempts: 1}, nil
	}}

	out, err := newTestRunner(st, ex).Run(ctx, Task{JobID: "job-late-cancel", BatchID: b.ID})

	got, gerr := st.GetBatch(context.Background(), b.ID)
	require.NoError(t, gerr)
	assert.True(t, got.Status.IsTerminal(), "status %s", got.Status)
	assert.Equal(t, out.Status, got.Status)
	if err != nil {
		require.NotNil(t, got.Data.Error)
	}
}
