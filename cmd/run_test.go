package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-enricher/internal/cache"
	"github.com/sells-group/corpus-enricher/internal/dispatch"
	"github.com/sells-group/corpus-enricher/internal/enrich"
	"github.com/sells-group/corpus-enricher/internal/extract"
	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/store"
)

func newCmdStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedCmdItems(t *testing.T, st *store.SQLiteStore, n int) []string {
	t.Helper()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	items := make([]model.SourceItem, 0, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sec-%02d", i)
		items = append(items, model.SourceItem{
			ID:        id,
			Title:     fmt.Sprintf("250.%d Grounding", i),
			Content:   fmt.Sprintf("Grounding electrode conductors in clause %d shall be sized per the table.", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		ids = append(ids, id)
	}
	_, err := st.ImportItems(context.Background(), items)
	require.NoError(t, err)
	return ids
}

// scriptedRunner returns queued outcomes and records the tasks it saw.
type scriptedRunner struct {
	tasks    []enrich.Task
	outcomes []*enrich.Outcome
	errs     []error
}

func (s *scriptedRunner) Run(_ context.Context, task enrich.Task) (*enrich.Outcome, error) {
	i := len(s.tasks)
	s.tasks = append(s.tasks, task)
	if i >= len(s.outcomes) {
		return &enrich.Outcome{JobID: task.JobID}, nil
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.outcomes[i], err
}

func TestRunBatches_SingleByDefault(t *testing.T) {
	r := &scriptedRunner{outcomes: []*enrich.Outcome{{JobID: "job", BatchID: "b0", Claimed: true}}}

	out, err := runBatches(context.Background(), newCmdStore(t), r, runOptions{JobID: "job"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []enrich.Task{{JobID: "job"}}, r.tasks)
}

func TestRunBatches_DrainStopsWhenNothingClaimed(t *testing.T) {
	r := &scriptedRunner{outcomes: []*enrich.Outcome{
		{JobID: "job", BatchID: "b0", Claimed: true},
		{JobID: "job", BatchID: "b1", Claimed: true},
		{JobID: "job"},
	}}

	out, err := runBatches(context.Background(), newCmdStore(t), r, runOptions{BatchID: "b0", Drain: true})
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, enrich.Task{BatchID: "b0"}, r.tasks[0])
	assert.Equal(t, enrich.Task{JobID: "job"}, r.tasks[1], "later rounds claim the next pending batch of the job")
}

func TestRunBatches_DrainContinuesAfterLostClaim(t *testing.T) {
	st := newCmdStore(t)
	ctx := context.Background()
	_, _, err := planJob(ctx, st, &planRequest{JobID: "job-race", Total: 4, BatchSize: 2})
	require.NoError(t, err)

	r := &scriptedRunner{outcomes: []*enrich.Outcome{
		{JobID: "job-race", BatchID: "taken"},
		{JobID: "job-race", BatchID: "b1", Claimed: true},
	}}
	// The third round falls through to the default unclaimed outcome; the
	// planned batches are still pending, so it is retried until MaxRounds.
	out, err := runBatches(ctx, st, r, runOptions{JobID: "job-race", Drain: true, MaxRounds: 3})
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Len(t, r.tasks, 3)
	assert.Equal(t, enrich.Task{JobID: "job-race"}, r.tasks[1])
}

func TestRunBatches_StopsOnFailure(t *testing.T) {
	boom := errors.New("checkpoint write failed")
	r := &scriptedRunner{
		outcomes: []*enrich.Outcome{{JobID: "job", BatchID: "b0", Claimed: true, Status: model.BatchStatusFailed}},
		errs:     []error{boom},
	}

	out, err := runBatches(context.Background(), newCmdStore(t), r, runOptions{JobID: "job", Drain: true})
	require.ErrorIs(t, err, boom)
	require.Len(t, out, 1)
	assert.Len(t, r.tasks, 1)
}

func TestRunBatches_WindowCreatesBatch(t *testing.T) {
	st := newCmdStore(t)
	r := &scriptedRunner{}

	_, err := runBatches(context.Background(), st, r, runOptions{
		Window: &dispatch.Request{JobID: "job-w", BatchSize: 5, StartFrom: 10},
	})
	require.NoError(t, err)
	require.Len(t, r.tasks, 1)
	require.NotEmpty(t, r.tasks[0].BatchID)

	b, err := st.GetBatch(context.Background(), r.tasks[0].BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, b.BatchNumber)
	assert.Equal(t, 10, b.Data.StartFrom)
	assert.Equal(t, 5, b.Data.BatchSize)
}

func TestRunBatches_WindowValidation(t *testing.T) {
	r := &scriptedRunner{}
	_, err := runBatches(context.Background(), newCmdStore(t), r, runOptions{
		Window: &dispatch.Request{JobID: "job", BatchSize: 0},
	})
	var ve *dispatch.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, r.tasks)
}

type noContext struct{}

func (noContext) Search(context.Context, cache.SearchQuery) []model.SearchResult { return nil }

type oneFacet struct{}

func (oneFacet) Extract(_ context.Context, item model.SourceItem, _ []model.SearchResult) (*extract.Result, error) {
	rec := model.EnrichmentRecord{
		SourceItemID:   item.ID,
		VersionTag:     "v1",
		Category:       "Grounding",
		Description:    "Sizing of grounding electrode conductors for service equipment.",
		Keywords:       []string{"grounding", "electrode", item.ID},
		TechnicalLevel: 3,
		Confidence:     0.8,
	}
	rec.ComputeHash()
	return &extract.Result{Records: []model.EnrichmentRecord{rec}, Attempts: 1}, nil
}

func TestRunBatches_DrainsPlannedJob(t *testing.T) {
	st := newCmdStore(t)
	ids := seedCmdItems(t, st, 7)
	ctx := context.Background()

	req := planRequest{JobID: "job-d", BatchSize: 3, ItemIDs: ids}
	_, created, err := planJob(ctx, st, &req)
	require.NoError(t, err)
	require.Equal(t, 3, created)

	runner := enrich.NewRunner(st, noContext{}, oneFacet{}, enrich.Config{VersionTag: "v1", BatchSize: 3, CheckpointEvery: 2})
	out, err := runBatches(ctx, st, runner, runOptions{JobID: "job-d", Drain: true})
	require.NoError(t, err)
	require.Len(t, out, 4, "three claimed batches plus the empty claim attempt")

	processed := 0
	for _, o := range out[:3] {
		assert.True(t, o.Claimed)
		assert.Equal(t, model.BatchStatusCompleted, o.Status)
		assert.Equal(t, enrich.FetchJobList, o.Mode)
		processed += o.Data.Processed
	}
	assert.Equal(t, 7, processed)
	assert.False(t, out[3].Claimed)

	counts, err := st.CountBatches(ctx, "job-d")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.BatchStatusCompleted])

	for _, id := range ids {
		n, err := st.CountRecords(ctx, id, "v1")
		require.NoError(t, err)
		assert.Equal(t, 1, n, id)
	}
}

func TestWriteOutcomes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeOutcomes(&buf, []*enrich.Outcome{{
		JobID: "job", BatchID: "b1", BatchNumber: 1, Claimed: true,
		Status: model.BatchStatusCompleted, Mode: enrich.FetchGlobal, Total: 2,
		Data: model.ProgressData{Processed: 2},
	}}))

	var views []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "b1", views[0]["batchId"])
	assert.Equal(t, "completed", views[0]["status"])
	assert.Equal(t, "global", views[0]["mode"])
}
