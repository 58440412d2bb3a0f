package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-enricher/internal/dispatch"
	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/queue"
	"github.com/sells-group/corpus-enricher/internal/store"
)

type testAPI struct {
	store   *store.SQLiteStore
	queue   *queue.MemoryQueue
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	q := queue.NewMemory(10)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck

	a := &api{
		store:      st,
		queue:      q,
		dispatcher: dispatch.New(st, q),
		breakers:   func() map[string]string { return map[string]string{"knowledge": "closed"} },
		origins:    []string{"*"},
	}
	return &testAPI{store: st, queue: q, handler: a.routes()}
}

func (ta *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	ta := newTestAPI(t)

	rr := ta.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"knowledge": "closed"}, body["breakers"])
}

func TestReadyEndpoint(t *testing.T) {
	ta := newTestAPI(t)

	rr := ta.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, ta.queue.Close())
	rr = ta.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "queue")
}

func TestDispatchEndpoint_Accepted(t *testing.T) {
	ta := newTestAPI(t)

	rr := ta.do(t, http.MethodPost, "/dispatch", map[string]any{
		"jobId":     "job-1",
		"batchSize": 10,
		"startFrom": 20,
		"metadata":  map[string]any{"source": "nec-2023"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var ack dispatch.Ack
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&ack))
	assert.True(t, ack.Success)
	assert.Equal(t, "job-1", ack.JobID)
	assert.Equal(t, 2, ack.BatchNumber)
	assert.Equal(t, 20, ack.StartFrom)
	assert.NotEmpty(t, ack.BatchID)

	// The dispatch only recorded and enqueued the batch.
	b, err := ta.store.GetBatch(context.Background(), ack.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusPending, b.Status)
	assert.Equal(t, 1, ta.queue.Len())
}

func TestDispatchEndpoint_GeneratesJobID(t *testing.T) {
	ta := newTestAPI(t)

	rr := ta.do(t, http.MethodPost, "/dispatch", map[string]any{"batchSize": 5})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var ack dispatch.Ack
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&ack))
	assert.Len(t, ack.JobID, 36)
	assert.Equal(t, 0, ack.BatchNumber)
}

func TestDispatchEndpoint_BadRequests(t *testing.T) {
	ta := newTestAPI(t)

	tests := []struct {
		name string
		body any
		want string
	}{
		{"malformed", `{"batchSize":`, "invalid request body"},
		{"zero batch size", map[string]any{"jobId": "j", "batchSize": 0}, "batchSize"},
		{"oversized batch", map[string]any{"jobId": "j", "batchSize": 501}, "batchSize"},
		{"negative start", map[string]any{"jobId": "j", "batchSize": 5, "startFrom": -1}, "startFrom"},
		{"blank item id", map[string]any{"jobId": "j", "batchSize": 5, "itemIds": []string{"a", " "}}, "itemIds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, "/dispatch", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.want)
		})
	}
	assert.Zero(t, ta.queue.Len())
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, dispatch.Request) (dispatch.Ack, error) {
	return dispatch.Ack{}, errors.New("queue unavailable")
}

func TestDispatchEndpoint_InternalError(t *testing.T) {
	ta := newTestAPI(t)
	a := &api{store: ta.store, dispatcher: failingDispatcher{}, origins: []string{"*"}}

	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewBufferString(`{"batchSize":5}`))
	rr := httptest.NewRecorder()
	a.routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "queue unavailable")
}

func TestJobBatchesEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	for _, start := range []int{0, 10, 20} {
		rr := ta.do(t, http.MethodPost, "/dispatch", map[string]any{"jobId": "job-2", "batchSize": 10, "startFrom": start})
		require.Equal(t, http.StatusAccepted, rr.Code)
	}

	rr := ta.do(t, http.MethodGet, "/jobs/job-2/batches", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp jobBatchesResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "job-2", resp.JobID)
	assert.Equal(t, 3, resp.Counts[model.BatchStatusPending])
	require.Len(t, resp.Batches, 3)

	rr = ta.do(t, http.MethodGet, "/jobs/job-2/batches?status=completed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Empty(t, resp.Batches)
	assert.NotNil(t, resp.Batches)

	rr = ta.do(t, http.MethodGet, "/jobs/job-2/batches?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(t, http.MethodGet, "/jobs/job-2/batches?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBatchEndpoint(t *testing.T) {
	ta := newTestAPI(t)

	rr := ta.do(t, http.MethodPost, "/dispatch", map[string]any{"jobId": "job-3", "batchSize": 4})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var ack dispatch.Ack
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&ack))

	rr = ta.do(t, http.MethodGet, "/batches/"+ack.BatchID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var b model.BatchProgress
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&b))
	assert.Equal(t, "job-3", b.JobID)
	assert.Equal(t, 4, b.Data.BatchSize)

	rr = ta.do(t, http.MethodGet, "/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	ta := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/dispatch", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
