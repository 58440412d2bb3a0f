package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// wrapperKeys are the object keys a model sometimes nests the facet array
// under, checked in order.
var wrapperKeys = []string{"records", "facets", "items", "results", "data", "enrichments"}

// Candidate is one unvalidated facet produced by the model.
type Candidate struct {
	Category       string
	Subcategory    string
	PrimaryTopic   string
	Description    string
	Keywords       []string
	TechnicalLevel int
	Confidence     float64
	Fields         map[string]any
}

// ParseResult is the outcome of Parse. It is one of Records,
// WrappedRecords, SingleRecord or ParseError.
type ParseResult interface {
	parseResult()
}

// Records is a top-level JSON array of facets.
type Records struct {
	Items []Candidate
}

// WrappedRecords is an object holding the facet array under Key.
type WrappedRecords struct {
	Key   string
	Items []Candidate
}

// SingleRecord is a lone facet object.
type SingleRecord struct {
	Item Candidate
}

// ParseError means the response held no usable JSON.
type ParseError struct {
	Err error
}

func (Records) parseResult()        {}
func (WrappedRecords) parseResult() {}
func (SingleRecord) parseResult()   {}
func (ParseError) parseResult()     {}

// Parse decodes a model response. Markdown code fences and prose around
// the JSON are ignored.
func Parse(text string) ParseResult {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return ParseError{Err: eris.New("extract: no JSON in response")}
	}

	if cleaned[0] == '[' {
		var arr []any
		if err := json.Unmarshal([]byte(cleaned), &arr); err != nil {
			return ParseError{Err: eris.Wrap(err, "extract: decode array")}
		}
		return Records{Items: candidatesFromArray(arr)}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return ParseError{Err: eris.Wrap(err, "extract: decode object")}
	}
	for _, key := range wrapperKeys {
		if arr, ok := obj[key].([]any); ok {
			return WrappedRecords{Key: key, Items: candidatesFromArray(arr)}
		}
	}
	return SingleRecord{Item: candidateFromMap(obj)}
}

// Candidates returns the facets carried by r; a ParseError carries none.
func Candidates(r ParseResult) []Candidate {
	switch v := r.(type) {
	case Records:
		return v.Items
	case WrappedRecords:
		return v.Items
	case SingleRecord:
		return []Candidate{v.Item}
	case ParseError:
		return nil
	default:
		panic("extract: unknown parse result")
	}
}

// cleanJSON strips markdown code fences and trims the text to the outermost
// JSON array or object, whichever opens first.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return ""
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func candidatesFromArray(arr []any) []Candidate {
	out := make([]Candidate, 0, len(arr))
	for _, el := range arr {
		if m, ok := el.(map[string]any); ok {
			out = append(out, candidateFromMap(m))
		}
	}
	return out
}

// candidateFromMap reads a facet leniently: numbers may arrive as strings
// and keywords as a comma-separated string.
func candidateFromMap(m map[string]any) Candidate {
	c := Candidate{
		Category:     stringField(m, "category"),
		Subcategory:  stringField(m, "subcategory"),
		PrimaryTopic: stringField(m, "primary_topic"),
		Description:  stringField(m, "description"),
		Keywords:     keywordsField(m["keywords"]),
	}
	if lvl, ok := toFloat64(m["technical_level"]); ok {
		c.TechnicalLevel = int(math.Round(lvl))
	}
	if conf, ok := toFloat64(m["confidence"]); ok {
		c.Confidence = conf
	}
	if f, ok := m["fields"].(map[string]any); ok {
		c.Fields = f
	}
	return c
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func keywordsField(v any) []string {
	var raw []string
	switch kw := v.(type) {
	case []any:
		for _, k := range kw {
			if s, ok := k.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(kw, ",")
	}
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// toFloat64 attempts to convert an any value to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
