package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SentinelItemTitle marks placeholder source rows that are not real content.
const SentinelItemTitle = "General"

// SourceItem is one unit of regulation content to be enriched.
type SourceItem struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Section   string    `json:"section,omitempty" yaml:"section"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// EnrichmentRecord is one facet extracted from a SourceItem.
type EnrichmentRecord struct {
	ID             string         `json:"id"`
	SourceItemID   string         `json:"source_item_id"`
	VersionTag     string         `json:"version_tag"`
	FacetHash      string         `json:"facet_hash"`
	Category       string         `json:"category"`
	Subcategory    string         `json:"subcategory,omitempty"`
	PrimaryTopic   string         `json:"primary_topic,omitempty"`
	Description    string         `json:"description"`
	Keywords       []string       `json:"keywords"`
	TechnicalLevel int            `json:"technical_level"`
	Confidence     float64        `json:"confidence"`
	Fields         map[string]any `json:"fields,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ComputeHash sets FacetHash from the record's semantic fields.
func (r *EnrichmentRecord) ComputeHash() string {
	r.FacetHash = FacetHash(r.Category, r.Subcategory, r.PrimaryTopic, r.Keywords)
	return r.FacetHash
}

// FacetHash fingerprints a facet by category, subcategory, primary topic and
// its keyword set. Case, surrounding whitespace, keyword order and repeated
// keywords do not change the hash.
func FacetHash(category, subcategory, primaryTopic string, keywords []string) string {
	seen := make(map[string]struct{}, len(keywords))
	norm := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = normalizeFacetField(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		norm = append(norm, k)
	}
	sort.Strings(norm)

	h := sha256.New()
	writeFacetField(h, normalizeFacetField(category))
	writeFacetField(h, normalizeFacetField(subcategory))
	writeFacetField(h, normalizeFacetField(primaryTopic))
	writeFacetField(h, strconv.Itoa(len(norm)))
	for _, k := range norm {
		writeFacetField(h, k)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeFacetField length-prefixes s so no field content can be mistaken
// for a separator.
func writeFacetField(w io.Writer, s string) {
	_, _ = fmt.Fprintf(w, "%d:%s", len(s), s)
}

func normalizeFacetField(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// SearchResult is one normalized row from a knowledge retrieval backend.
type SearchResult struct {
	Content   string   `json:"content"`
	SourceIDs []string `json:"source_ids,omitempty"`
	Score     float64  `json:"score"`
	Source    string   `json:"source,omitempty"`
}

// KnowledgeChunk is a row of the corpus searched for supporting context.
type KnowledgeChunk struct {
	ID        string    `json:"id" yaml:"id"`
	SourceID  string    `json:"source_id,omitempty" yaml:"source_id"`
	Content   string    `json:"content" yaml:"content"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// FailedItem is a diagnostic row written when an item exhausts its
// extraction attempts. It is not re-queued by the pipeline.
type FailedItem struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	BatchID      string    `json:"batch_id"`
	SourceItemID string    `json:"source_item_id"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
}
