package matcher

import (
	"fmt"
	"strings"

	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// DefaultMaxTokens is the compact-format budget applied when the caller
// does not specify one.
const DefaultMaxTokens = 2000

// charsPerToken is the rough estimate used for budget accounting.
const charsPerToken = 4

// EstimateTokens approximates the token cost of text.
func EstimateTokens(text string) int {
	return len(text) / charsPerToken
}

// FormatCompact renders ranked results into a token-budget-constrained
// summary. Results are included greedily from the top of the ranking; the
// first line that would exceed the budget stops the rendering. Identical
// inputs always produce identical output.
func FormatCompact(results []resources.SearchResult, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var sb strings.Builder
	used := 0
	for _, result := range results {
		line := formatLine(result)
		cost := EstimateTokens(line) + 1
		if used+cost > maxTokens {
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		used += cost
	}
	return sb.String()
}

func formatLine(result resources.SearchResult) string {
	frag := result.Fragment

	summary := frag.Title
	if len(frag.UseWhen) > 0 {
		summary = frag.UseWhen[0]
	}
	if summary == "" {
		summary = firstLine(frag.Body)
	}

	line := fmt.Sprintf("- %s [%s, score %d", frag.URI, result.ProviderName, result.Score)
	if frag.EstimatedTokens > 0 {
		line += fmt.Sprintf(", ~%d tokens", frag.EstimatedTokens)
	}
	line += "]"
	if summary != "" {
		line += ": " + summary
	}
	if len(frag.Tags) > 0 {
		line += " (" + strings.Join(frag.Tags, ", ") + ")"
	}
	return line
}

func firstLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(line, "# "))
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
