package extract

import (
	"fmt"
	"strings"

	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/pkg/anthropic"
)

const systemPrompt = `You are an electrical code analyst enriching a knowledge base of electrical-trade regulation clauses.
For the clause you are given, identify every distinct facet a practitioner would look up (a requirement, a sizing rule, an exception, an inspection point).
Return ONLY a JSON array. Each element is an object with these fields:
  "category"        (string, required) broad subject area, e.g. "Grounding and Bonding"
  "subcategory"     (string) narrower topic within the category
  "primary_topic"   (string) the single concept the facet is about
  "description"     (string, required, at least 40 characters) a self-contained plain-language explanation
  "keywords"        (array of at least 3 strings) search terms a practitioner would use
  "technical_level" (integer 1-5) 1 = homeowner, 5 = engineer
  "confidence"      (number 0-1) how certain you are the facet is supported by the clause
  "fields"          (object, optional) any additional structured attributes such as article numbers or values with units
Do not invent requirements that are not supported by the clause or the reference context.`

const userPromptTmpl = `Clause: %s
%s
--- Clause text ---
%s

--- Reference context ---
%s

Return the JSON array of facets now.`

// maxContextSnippet caps each context snippet so a long retrieval result
// cannot crowd out the clause itself.
const maxContextSnippet = 1500

// Prompt is a fully built model request body.
type Prompt struct {
	System []anthropic.SystemBlock
	User   string
}

// BuildPrompt embeds the item and its numbered context snippets.
func BuildPrompt(item model.SourceItem, snippets []model.SearchResult) Prompt {
	section := ""
	if item.Section != "" {
		section = "Section: " + item.Section + "\n"
	}
	return Prompt{
		System: anthropic.BuildCachedSystemBlocks(systemPrompt),
		User:   fmt.Sprintf(userPromptTmpl, item.Title, section, item.Content, formatContext(snippets)),
	}
}

func formatContext(results []model.SearchResult) string {
	if len(results) == 0 {
		return "No reference context available."
	}
	var b strings.Builder
	for i, r := range results {
		content := strings.TrimSpace(r.Content)
		if len(content) > maxContextSnippet {
			content = content[:maxContextSnippet] + "..."
		}
		fmt.Fprintf(&b, "[%d] (relevance %.2f", i+1, r.Score)
		if len(r.SourceIDs) > 0 {
			fmt.Fprintf(&b, ", source %s", strings.Join(r.SourceIDs, ", "))
		}
		b.WriteString(")\n")
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
