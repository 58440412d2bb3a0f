package cache

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/corpus-enricher/internal/model"
)

// DefaultSize bounds the cache when no size is configured.
const DefaultSize = 1000

// Backend is what the cache fronts, normally a *Retriever.
type Backend interface {
	Search(ctx context.Context, q SearchQuery) ([]model.SearchResult, error)
}

// SearchCache memoizes retrieval results for the lifetime of a process or
// job. It is bounded (least recently used entries are evicted) and collapses
// concurrent misses for the same key into one backend call.
type SearchCache struct {
	backend Backend
	entries *lru.Cache[string, []model.SearchResult]
	group   singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a SearchCache with the given capacity.
func New(backend Backend, size int) (*SearchCache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, []model.SearchResult](size)
	if err != nil {
		return nil, eris.Wrap(err, "cache: create lru")
	}
	return &SearchCache{backend: backend, entries: entries}, nil
}

// Search returns cached results for q, calling the backend on a miss.
// Retrieval is best effort: any backend failure yields an empty slice and is
// not cached, so the next call tries again.
func (c *SearchCache) Search(ctx context.Context, q SearchQuery) []model.SearchResult {
	key := Key(q)
	if cached, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		return cached
	}
	c.misses.Add(1)

	v, err, shared := c.group.Do(key, func() (any, error) {
		if cached, ok := c.entries.Get(key); ok {
			return cached, nil
		}
		results, err := c.backend.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		if results == nil {
			results = []model.SearchResult{}
		}
		c.entries.Add(key, results)
		return results, nil
	})
	if err != nil {
		zap.L().Warn("context retrieval failed, continuing without context",
			zap.String("query", q.Text()),
			zap.Bool("shared", shared),
			zap.Error(err),
		)
		return []model.SearchResult{}
	}
	return v.([]model.SearchResult)
}

// Len returns the number of cached queries.
func (c *SearchCache) Len() int {
	return c.entries.Len()
}

// Clear drops every entry.
func (c *SearchCache) Clear() {
	c.entries.Purge()
}

// Stats returns hit and miss counters since creation.
func (c *SearchCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
