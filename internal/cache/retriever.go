package cache

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/resilience"
)

// Searcher is one retrieval backend.
type Searcher interface {
	Name() string
	Search(ctx context.Context, q SearchQuery) ([]model.SearchResult, error)
}

// RetrieverConfig tunes the per-backend resilience wrapping.
type RetrieverConfig struct {
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Circuit resilience.CircuitBreakerConfig
}

// DefaultRetrieverConfig returns the standard retrieval budget.
func DefaultRetrieverConfig() RetrieverConfig {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 2
	retry.InitialBackoff = 250 * time.Millisecond
	retry.MaxBackoff = 2 * time.Second
	return RetrieverConfig{
		Timeout: resilience.TimeoutStandard,
		Retry:   retry,
		Circuit: resilience.DefaultCircuitBreakerConfig(),
	}
}

// Retriever queries every configured backend concurrently and merges the
// results. Each backend call is bounded by a timeout, retried on transient
// errors and guarded by its own circuit breaker.
type Retriever struct {
	searchers []Searcher
	cfg       RetrieverConfig
	breakers  *resilience.ServiceBreakers
}

// NewRetriever creates a Retriever over the given backends.
func NewRetriever(cfg RetrieverConfig, searchers ...Searcher) *Retriever {
	if cfg.Timeout <= 0 {
		cfg.Timeout = resilience.TimeoutStandard
	}
	return &Retriever{
		searchers: searchers,
		cfg:       cfg,
		breakers:  resilience.NewServiceBreakers(cfg.Circuit),
	}
}

// Breakers exposes per-backend circuit state for health reporting.
func (r *Retriever) Breakers() *resilience.ServiceBreakers {
	return r.breakers
}

// Search fans out to all backends. A backend failure is logged and its
// results are omitted; an error is returned only when every backend failed.
func (r *Retriever) Search(ctx context.Context, q SearchQuery) ([]model.SearchResult, error) {
	if len(r.searchers) == 0 {
		return nil, nil
	}

	ops := make([]resilience.Op[[]model.SearchResult], len(r.searchers))
	for i, s := range r.searchers {
		ops[i] = resilience.Op[[]model.SearchResult]{
			Name: s.Name(),
			Fn: func(ctx context.Context) ([]model.SearchResult, error) {
				return r.searchOne(ctx, s, q)
			},
		}
	}

	res := resilience.SafeAll(ctx, ops)
	for _, f := range res.Failed {
		zap.L().Warn("retrieval backend failed",
			zap.String("backend", f.Name),
			zap.Bool("timeout", resilience.IsTimeout(f.Err)),
			zap.Error(f.Err),
		)
	}
	if len(res.Succeeded) == 0 {
		return nil, eris.Errorf("retrieval: all %d backends failed", len(res.Failed))
	}

	var merged []model.SearchResult
	for _, o := range res.Succeeded {
		merged = append(merged, normalizeScores(o.Value, o.Name)...)
	}
	return mergeResults(merged, q.Limit), nil
}

func (r *Retriever) searchOne(ctx context.Context, s Searcher, q SearchQuery) ([]model.SearchResult, error) {
	cb := r.breakers.Get(s.Name())
	retry := r.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(s.Name(), "search")
	}
	return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) ([]model.SearchResult, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) ([]model.SearchResult, error) {
			return resilience.WithTimeout(ctx, r.cfg.Timeout, s.Name()+" search", func(ctx context.Context) ([]model.SearchResult, error) {
				return s.Search(ctx, q)
			})
		})
	})
}

// normalizeScores maps a backend's scores into [0, 1]. Backends that report
// unbounded ranks are scaled by their maximum.
func normalizeScores(results []model.SearchResult, source string) []model.SearchResult {
	maxScore := lo.MaxBy(results, func(a, b model.SearchResult) bool { return a.Score > b.Score }).Score

	out := make([]model.SearchResult, len(results))
	for i, r := range results {
		if maxScore > 1 {
			r.Score /= maxScore
		}
		r.Score = min(max(r.Score, 0), 1)
		if r.Source == "" {
			r.Source = source
		}
		out[i] = r
	}
	return out
}

// mergeResults drops duplicate content (keeping the best score and the union
// of source ids), orders by score and truncates to limit.
func mergeResults(results []model.SearchResult, limit int) []model.SearchResult {
	byContent := make(map[string]int, len(results))
	var out []model.SearchResult
	for _, r := range results {
		key := strings.Join(strings.Fields(strings.ToLower(r.Content)), " ")
		if key == "" {
			continue
		}
		if idx, ok := byContent[key]; ok {
			if r.Score > out[idx].Score {
				out[idx].Score = r.Score
				out[idx].Source = r.Source
			}
			out[idx].SourceIDs = lo.Uniq(append(out[idx].SourceIDs, r.SourceIDs...))
			continue
		}
		byContent[key] = len(out)
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
