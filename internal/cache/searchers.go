package cache

import (
	"context"
	"errors"

	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/resilience"
	"github.com/sells-group/corpus-enricher/pkg/knowledge"
)

// KnowledgeSearcher adapts the hosted hybrid-search client.
type KnowledgeSearcher struct {
	Client knowledge.Client
}

func (k *KnowledgeSearcher) Name() string { return "knowledge" }

func (k *KnowledgeSearcher) Search(ctx context.Context, q SearchQuery) ([]model.SearchResult, error) {
	rows, err := k.Client.Search(ctx, knowledge.SearchRequest{
		Query:   q.Text(),
		Limit:   q.Limit,
		Filters: q.Filters,
	})
	if err != nil {
		var se *knowledge.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.Code) {
			return nil, resilience.NewTransientError(err, se.Code)
		}
		return nil, err
	}
	out := make([]model.SearchResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.SearchResult{
			Content:   r.Content,
			SourceIDs: r.SourceIDs,
			Score:     r.Score,
			Source:    "knowledge",
		})
	}
	return out, nil
}

// CorpusStore is the store capability used by CorpusSearcher.
type CorpusStore interface {
	SearchKnowledge(ctx context.Context, keywords []string, limit int) ([]model.SearchResult, error)
}

// CorpusSearcher searches the knowledge_chunks table of the local store.
type CorpusSearcher struct {
	Store CorpusStore
}

func (c *CorpusSearcher) Name() string { return "corpus" }

func (c *CorpusSearcher) Search(ctx context.Context, q SearchQuery) ([]model.SearchResult, error) {
	return c.Store.SearchKnowledge(ctx, normalizeKeywords(q.Keywords), q.Limit)
}
