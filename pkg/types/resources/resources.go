// Package resources defines the shared data model for the orchestr8
// resource catalog: parsed document fragments, search options and results,
// provider configuration, and the per-provider health and stats records
// exchanged between the registry and its providers.
package resources

import (
	"strings"
	"time"
)

// URIScheme is the scheme used by all orchestr8 resource URIs.
const URIScheme = "orchestr8"

// Category classifies a resource document.
type Category string

const (
	CategoryAgent    Category = "agent"
	CategorySkill    Category = "skill"
	CategoryWorkflow Category = "workflow"
	CategoryExample  Category = "example"
)

// ParseCategory maps a free-form category string onto the closed enum.
// Unknown or empty values fall back to CategoryExample so that a document
// with a bad category is still catalogued.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryAgent:
		return CategoryAgent
	case CategorySkill:
		return CategorySkill
	case CategoryWorkflow:
		return CategoryWorkflow
	case CategoryExample:
		return CategoryExample
	default:
		return CategoryExample
	}
}

// ValidCategory reports whether s names one of the closed categories.
func ValidCategory(s string) bool {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryAgent, CategorySkill, CategoryWorkflow, CategoryExample:
		return true
	}
	return false
}

// Fragment is one parsed document with its extracted search metadata.
// Fragments are immutable once built; identity is the URI.
type Fragment struct {
	// ID is the stable identifier within its category. An empty ID means
	// the document had no derivable identifier and cannot be resolved by
	// static URI, though it remains visible to fuzzy search.
	ID       string   `json:"id"`
	URI      string   `json:"uri"`
	Category Category `json:"category"`
	Title    string   `json:"title,omitempty"`

	Tags         []string `json:"tags,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	UseWhen      []string `json:"useWhen,omitempty"`

	RelatedSkills []string `json:"relatedSkills,omitempty"`
	RelatedAgents []string `json:"relatedAgents,omitempty"`

	// EstimatedTokens is the approximate token cost of including the body
	// in a prompt. Zero means unknown.
	EstimatedTokens int `json:"estimatedTokens,omitempty"`

	Body string `json:"body,omitempty"`
}

// Index is the ordered fragment sequence for one provider. It is rebuilt
// wholesale on each load; order is deterministic but carries no semantic
// meaning (lookup is by URI).
type Index []Fragment

// ByURI returns the fragment with the given URI.
func (idx Index) ByURI(uri string) (*Fragment, bool) {
	for i := range idx {
		if idx[i].URI == uri {
			return &idx[i], true
		}
	}
	return nil, false
}

// ByID returns the fragment with the given category and id. Fragments with
// an empty ID are never matched.
func (idx Index) ByID(category Category, id string) (*Fragment, bool) {
	if id == "" {
		return nil, false
	}
	for i := range idx {
		if idx[i].Category == category && idx[i].ID == id {
			return &idx[i], true
		}
	}
	return nil, false
}

// DefaultMaxResults is the result cap applied when SearchOptions does not
// specify one.
const DefaultMaxResults = 20

// SearchOptions configures a fuzzy search.
type SearchOptions struct {
	// Categories restricts matching to the listed categories. Empty means
	// all categories.
	Categories []Category
	// Tags restricts matching to fragments carrying at least one of the
	// listed tags. Empty means no tag filter.
	Tags []string
	// MaxResults caps the returned sequence. Zero means DefaultMaxResults.
	MaxResults int
	// MinScore drops results scoring below it. Valid range is 0-100.
	MinScore int
}

// Normalize returns a copy with defaults applied and MinScore clamped into
// its valid range.
func (o SearchOptions) Normalize() SearchOptions {
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	if o.MinScore < 0 {
		o.MinScore = 0
	}
	if o.MinScore > 100 {
		o.MinScore = 100
	}
	return o
}

// WantsCategory reports whether the options admit the given category.
func (o SearchOptions) WantsCategory(c Category) bool {
	if len(o.Categories) == 0 {
		return true
	}
	for _, want := range o.Categories {
		if want == c {
			return true
		}
	}
	return false
}

// WantsTags reports whether the fragment tags satisfy the tag filter.
func (o SearchOptions) WantsTags(tags []string) bool {
	if len(o.Tags) == 0 {
		return true
	}
	for _, want := range o.Tags {
		for _, have := range tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// SearchResult is one scored hit from one provider. Results are ephemeral,
// produced per query.
type SearchResult struct {
	ProviderName string    `json:"provider"`
	Fragment     *Fragment `json:"fragment"`
	// Score is the lexical relevance in [0, 100].
	Score int `json:"score"`
	// MatchedOn lists the field classes that contributed to the score, in
	// descending weight order.
	MatchedOn []string `json:"matchedOn,omitempty"`
}

// HealthStatus is the registry's view of a provider's availability.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusUnavailable HealthStatus = "unavailable"
)

// Worse returns the status one step worse than s.
func (s HealthStatus) Worse() HealthStatus {
	switch s {
	case StatusHealthy:
		return StatusDegraded
	default:
		return StatusUnavailable
	}
}

// ProviderHealth is a point-in-time health record for one provider. It is
// mutated only by the registry's health bookkeeping.
type ProviderHealth struct {
	Status              HealthStatus `json:"status"`
	LastCheckedAt       time.Time    `json:"lastCheckedAt"`
	ResponseTimeMs      int64        `json:"responseTimeMs"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
}

// ProviderStats holds monotonically accumulated counters for one provider,
// reset only on explicit clear. TotalRequests >= CacheHits + CacheMisses.
type ProviderStats struct {
	TotalRequests      int64     `json:"totalRequests"`
	CacheHits          int64     `json:"cacheHits"`
	CacheMisses        int64     `json:"cacheMisses"`
	AvgResponseTimeMs  float64   `json:"avgResponseTimeMs"`
	RateLimitRemaining int       `json:"rateLimitRemaining"`
	RateLimitResetAt   time.Time `json:"rateLimitResetAt"`
}

// AggregateStats sums provider stats across enabled providers.
type AggregateStats struct {
	Providers         int     `json:"providers"`
	TotalRequests     int64   `json:"totalRequests"`
	CacheHits         int64   `json:"cacheHits"`
	CacheMisses       int64   `json:"cacheMisses"`
	CacheHitRate      float64 `json:"cacheHitRate"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
}

// ProviderType identifies a provider implementation.
type ProviderType string

const (
	ProviderTypeLocal  ProviderType = "local"
	ProviderTypeAPI    ProviderType = "api"
	ProviderTypeGitHub ProviderType = "github"
)

// RateLimitConfig is a client-side token bucket specification. Zero values
// mean unlimited.
type RateLimitConfig struct {
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
}

// ProviderConfig is the per-provider configuration surface consumed from an
// external config loader. Runtime updates take effect on the next call.
type ProviderConfig struct {
	Name      string          `json:"name"`
	Type      ProviderType    `json:"type"`
	Priority  int             `json:"priority"`
	Enabled   bool            `json:"enabled"`
	APIURL    string          `json:"apiUrl,omitempty"`
	Auth      string          `json:"-"`
	CacheTTL  time.Duration   `json:"cacheTTLms"`
	Timeout   time.Duration   `json:"timeoutMs"`
	RateLimit RateLimitConfig `json:"rateLimit"`
}
