// Package matcher scores catalog fragments against free-text queries.
// Ranking is purely lexical: fixed field weights over tag, scenario,
// capability, title, and body matches. Ordering is fully deterministic so
// that concurrent fan-out never leaks provider completion order into
// results.
package matcher

import (
	"regexp"
	"sort"
	"strings"

	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// Field weights. Exact tag matches dominate, scenario matches rank next,
// and body hits are capped so long documents cannot drown out metadata.
const (
	weightTag        = 25
	weightUseWhen    = 20
	weightCapability = 12
	weightTitle      = 12
	weightBody       = 4
	bodyScoreCap     = 12
)

// Matched-field labels reported in SearchResult.MatchedOn, in weight order.
const (
	MatchedTags         = "tags"
	MatchedUseWhen      = "useWhen"
	MatchedCapabilities = "capabilities"
	MatchedTitle        = "title"
	MatchedBody         = "body"
)

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "can": {}, "do": {}, "for": {}, "from": {},
	"how": {}, "i": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"me": {}, "my": {}, "need": {}, "of": {}, "on": {}, "or": {},
	"should": {}, "that": {}, "the": {}, "then": {}, "this": {}, "to": {},
	"want": {}, "was": {}, "we": {}, "what": {}, "when": {}, "which": {},
	"who": {}, "will": {}, "with": {}, "would": {}, "you": {},
}

// Tokenize splits a query into lowercase keywords with stop words removed.
func Tokenize(query string) []string {
	words := tokenRe.FindAllString(strings.ToLower(query), -1)
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		if _, stop := stopWords[word]; stop {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// Score rates a fragment against a query on a 0-100 scale.
func Score(frag *resources.Fragment, query string) int {
	score, _ := scoreTokens(frag, Tokenize(query))
	return score
}

func scoreTokens(frag *resources.Fragment, tokens []string) (int, []string) {
	if len(tokens) == 0 {
		return 0, nil
	}

	var tagHit, useHit, capHit, titleHit, bodyHit bool
	score := 0
	bodyScore := 0

	idTitle := strings.ToLower(frag.ID + " " + frag.Title)
	body := strings.ToLower(frag.Body)

	for _, token := range tokens {
		for _, tag := range frag.Tags {
			if strings.EqualFold(tag, token) {
				score += weightTag
				tagHit = true
				break
			}
		}
		for _, scenario := range frag.UseWhen {
			if strings.Contains(strings.ToLower(scenario), token) {
				score += weightUseWhen
				useHit = true
				break
			}
		}
		for _, capability := range frag.Capabilities {
			if strings.Contains(strings.ToLower(capability), token) {
				score += weightCapability
				capHit = true
				break
			}
		}
		if strings.Contains(idTitle, token) {
			score += weightTitle
			titleHit = true
		}
		if strings.Contains(body, token) {
			bodyScore += weightBody
			bodyHit = true
		}
	}

	if bodyScore > bodyScoreCap {
		bodyScore = bodyScoreCap
	}
	score += bodyScore
	if score > 100 {
		score = 100
	}

	var matched []string
	if tagHit {
		matched = append(matched, MatchedTags)
	}
	if useHit {
		matched = append(matched, MatchedUseWhen)
	}
	if capHit {
		matched = append(matched, MatchedCapabilities)
	}
	if titleHit {
		matched = append(matched, MatchedTitle)
	}
	if bodyHit {
		matched = append(matched, MatchedBody)
	}
	return score, matched
}

// Rank scores a provider's fragments against a query and returns results
// sorted, filtered, and truncated per the options. Zero-score fragments
// never appear, regardless of MinScore.
func Rank(providerName string, idx resources.Index, query string, opts resources.SearchOptions) []resources.SearchResult {
	opts = opts.Normalize()
	tokens := Tokenize(query)

	var results []resources.SearchResult
	for i := range idx {
		frag := &idx[i]
		if !opts.WantsCategory(frag.Category) || !opts.WantsTags(frag.Tags) {
			continue
		}
		score, matched := scoreTokens(frag, tokens)
		if score == 0 || score < opts.MinScore {
			continue
		}
		results = append(results, resources.SearchResult{
			ProviderName: providerName,
			Fragment:     frag,
			Score:        score,
			MatchedOn:    matched,
		})
	}
	return Merge(opts, results)
}

// Merge applies the global sort, MinScore, and MaxResults policy to a
// result set, typically the concatenation of several providers' results. A
// high-scoring result from a low-priority provider outranks a low-scoring
// one from a high-priority provider; the sort depends only on score and the
// deterministic tie-break.
func Merge(opts resources.SearchOptions, results []resources.SearchResult) []resources.SearchResult {
	opts = opts.Normalize()

	filtered := results[:0]
	for _, r := range results {
		if r.Score > 0 && r.Score >= opts.MinScore {
			filtered = append(filtered, r)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Score != filtered[j].Score {
			return filtered[i].Score > filtered[j].Score
		}
		// Smaller estimated cost wins on ties: compact resources are
		// preferred. Unknown cost sorts last.
		ti, tj := tieTokens(filtered[i].Fragment), tieTokens(filtered[j].Fragment)
		if ti != tj {
			return ti < tj
		}
		return filtered[i].Fragment.URI < filtered[j].Fragment.URI
	})

	if len(filtered) > opts.MaxResults {
		filtered = filtered[:opts.MaxResults]
	}
	return filtered
}

func tieTokens(frag *resources.Fragment) int {
	if frag.EstimatedTokens <= 0 {
		return int(^uint(0) >> 1)
	}
	return frag.EstimatedTokens
}
