// Package extract turns a source item plus retrieved context into validated,
// de-duplicated enrichment records using the generative model.
package extract

import (
	"sort"
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/sells-group/corpus-enricher/internal/model"
)

// DomainTerms are appended to every keyword set so retrieval stays anchored
// to the regulation corpus.
var DomainTerms = []string{"electrical", "regulation", "compliance"}

// DefaultKeywordCount is the number of item-derived keywords when the
// caller does not configure one.
const DefaultKeywordCount = 8

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"were": true, "been": true, "have": true, "has": true, "had": true,
	"this": true, "that": true, "with": true, "from": true, "what": true,
	"how": true, "does": true, "which": true, "where": true, "when": true,
	"who": true, "why": true, "can": true, "will": true, "not": true,
	"shall": true, "such": true, "than": true, "them": true, "then": true,
	"there": true, "these": true, "those": true, "into": true, "other": true,
	"each": true, "only": true, "also": true, "more": true,
	"used": true, "under": true, "upon": true, "within": true, "without": true,
	"permitted": true, "required": true, "section": true, "article": true,
}

// DeriveKeywords picks up to n distinctive words from the item title and
// content (longest first, stop words and numbers removed) and appends the
// fixed domain terms.
func DeriveKeywords(item model.SourceItem, n int) []string {
	if n <= 0 {
		n = DefaultKeywordCount
	}

	words := strings.Fields(strings.ToLower(item.Title + " " + item.Content))
	words = lo.FilterMap(words, func(w string, _ int) (string, bool) {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(w) < 4 || stopWords[w] || isNumeric(w) {
			return "", false
		}
		return w, true
	})
	words = lo.Uniq(words)

	// Longest first; ties keep first-seen order for determinism.
	sort.SliceStable(words, func(i, j int) bool {
		return len(words[i]) > len(words[j])
	})
	if len(words) > n {
		words = words[:n]
	}

	return lo.Uniq(append(words, DomainTerms...))
}

func isNumeric(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) && r != '.' && r != '-' {
			return false
		}
	}
	return true
}
