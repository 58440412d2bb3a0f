package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/dispatch"
	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/resilience"
	"github.com/sells-group/corpus-enricher/internal/store"
)

const maxRequestBody = 1 << 20

// apiStore is the store surface the HTTP API reads.
type apiStore interface {
	GetBatch(ctx context.Context, batchID string) (*model.BatchProgress, error)
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]model.BatchProgress, error)
	CountBatches(ctx context.Context, jobID string) (map[model.BatchStatus]int, error)
	Ping(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Ack, error)
}

// api serves the dispatch and polling endpoints.
type api struct {
	store      apiStore
	queue      pinger
	dispatcher dispatcher
	breakers   func() map[string]string
	origins    []string
}

type jobBatchesResponse struct {
	JobID   string                    `json:"jobId"`
	Counts  map[model.BatchStatus]int `json:"counts"`
	Batches []model.BatchProgress     `json:"batches"`
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Get("/ready", a.ready)
	r.Post("/dispatch", a.dispatch)
	r.Get("/jobs/{jobID}/batches", a.jobBatches)
	r.Get("/batches/{batchID}", a.batch)
	return r
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.breakers != nil {
		body["breakers"] = a.breakers()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), resilience.TimeoutQuick)
	defer cancel()

	ping := func(p pinger) func(context.Context) (struct{}, error) {
		return func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.Ping(ctx)
		}
	}
	ops := []resilience.Op[struct{}]{{Name: "store", Fn: ping(a.store)}}
	if a.queue != nil {
		ops = append(ops, resilience.Op[struct{}]{Name: "queue", Fn: ping(a.queue)})
	}

	if _, err := resilience.AllOrError(ctx, ops); err != nil {
		zap.L().Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ack, err := a.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		var ve *dispatch.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		zap.L().Error("dispatch failed", zap.String("job_id", req.JobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (a *api) jobBatches(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	filter := store.BatchFilter{
		JobID:  jobID,
		Status: model.BatchStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	batches, err := a.store.ListBatches(r.Context(), filter)
	if err != nil {
		zap.L().Error("list batches failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list batches failed")
		return
	}
	counts, err := a.store.CountBatches(r.Context(), jobID)
	if err != nil {
		zap.L().Error("count batches failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "count batches failed")
		return
	}
	if batches == nil {
		batches = []model.BatchProgress{}
	}
	writeJSON(w, http.StatusOK, jobBatchesResponse{JobID: jobID, Counts: counts, Batches: batches})
}

func (a *api) batch(w http.ResponseWriter, r *http.Request) {
	b, err := a.store.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	case err != nil:
		zap.L().Error("get batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get batch failed")
	default:
		writeJSON(w, http.StatusOK, b)
	}
}

func newHTTPServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
