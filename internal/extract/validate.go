package extract

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/sells-group/corpus-enricher/internal/model"
)

// Minimum quality bar for an accepted facet.
const (
	MinDescriptionLen = 40
	MinKeywords       = 3
	MinTechnicalLevel = 1
	MaxTechnicalLevel = 5
)

// ValidationError lists every predicate a candidate failed.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "extract: invalid facet: " + strings.Join(e.Reasons, "; ")
}

// Validate checks c against the quality bar and clamps its confidence into
// [0, 1]. Keywords are de-duplicated before counting.
func Validate(c *Candidate) error {
	c.Keywords = lo.Uniq(c.Keywords)
	c.Confidence = clamp01(c.Confidence)

	var reasons []string
	if strings.TrimSpace(c.Category) == "" {
		reasons = append(reasons, "category is empty")
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(c.Description)); n < MinDescriptionLen {
		reasons = append(reasons, fmt.Sprintf("description has %d characters, need %d", n, MinDescriptionLen))
	}
	if len(c.Keywords) < MinKeywords {
		reasons = append(reasons, fmt.Sprintf("%d keywords, need %d", len(c.Keywords), MinKeywords))
	}
	if c.TechnicalLevel < MinTechnicalLevel || c.TechnicalLevel > MaxTechnicalLevel {
		reasons = append(reasons, fmt.Sprintf("technical_level %d outside [%d, %d]",
			c.TechnicalLevel, MinTechnicalLevel, MaxTechnicalLevel))
	}
	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// ToRecord converts a validated candidate into a record for itemID at
// versionTag, with its facet hash computed.
func ToRecord(c Candidate, itemID, versionTag string) model.EnrichmentRecord {
	r := model.EnrichmentRecord{
		SourceItemID:   itemID,
		VersionTag:     versionTag,
		Category:       c.Category,
		Subcategory:    c.Subcategory,
		PrimaryTopic:   c.PrimaryTopic,
		Description:    strings.TrimSpace(c.Description),
		Keywords:       c.Keywords,
		TechnicalLevel: c.TechnicalLevel,
		Confidence:     c.Confidence,
		Fields:         c.Fields,
	}
	r.ComputeHash()
	return r
}

// Dedupe keeps the first record of each facet hash and reports how many
// were dropped.
func Dedupe(records []model.EnrichmentRecord) ([]model.EnrichmentRecord, int) {
	kept := lo.UniqBy(records, func(r model.EnrichmentRecord) string {
		if r.FacetHash == "" {
			return r.ComputeHash()
		}
		return r.FacetHash
	})
	return kept, len(records) - len(kept)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
