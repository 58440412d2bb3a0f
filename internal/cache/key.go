// Package cache holds the per-process retrieval cache and the multi-backend
// retriever it fronts.
package cache

import (
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// SearchQuery describes one context retrieval.
type SearchQuery struct {
	Keywords []string
	Limit    int
	Filters  map[string]string
}

// Text joins the normalized keywords into a query string.
func (q SearchQuery) Text() string {
	return strings.Join(normalizeKeywords(q.Keywords), " ")
}

// Key canonicalizes a query so that keyword order, case, duplicates and
// filter order never produce a cache miss.
func Key(q SearchQuery) string {
	var b strings.Builder
	b.WriteString("k=")
	b.WriteString(strings.Join(normalizeKeywords(q.Keywords), ","))
	b.WriteString("|n=")
	b.WriteString(strconv.Itoa(q.Limit))

	if len(q.Filters) > 0 {
		names := lo.Keys(q.Filters)
		sort.Strings(names)
		b.WriteString("|f=")
		for i, name := range names {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strings.ToLower(name))
			b.WriteByte(':')
			b.WriteString(q.Filters[name])
		}
	}
	return b.String()
}

func normalizeKeywords(keywords []string) []string {
	norm := lo.FilterMap(keywords, func(k string, _ int) (string, bool) {
		k = strings.ToLower(strings.TrimSpace(k))
		return k, k != ""
	})
	norm = lo.Uniq(norm)
	sort.Strings(norm)
	return norm
}
