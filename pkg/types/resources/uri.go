package resources

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// matchSegment is the reserved identifier that turns a static URI into a
// dynamic fuzzy-lookup URI.
const matchSegment = "match"

// URI is a parsed orchestr8 resource URI. The static form addresses one
// document by category and identifier; the dynamic form carries a query to
// be resolved by fuzzy matching.
type URI struct {
	Category Category
	ID       string

	// Match is true for the dynamic form orchestr8://category/match?query=...
	Match     bool
	Query     string
	MaxTokens int
	MinScore  int
}

// String renders the canonical static form.
func (u URI) String() string {
	return fmt.Sprintf("%s://%s/%s", URIScheme, u.Category, u.ID)
}

// FragmentURI builds the canonical static URI for a category and id.
func FragmentURI(category Category, id string) string {
	return fmt.Sprintf("%s://%s/%s", URIScheme, category, id)
}

// ParseURI parses a resource URI. Malformed input yields an
// *InvalidURIError rather than a silent empty result.
func ParseURI(raw string) (URI, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return URI{}, &InvalidURIError{URI: raw, Reason: err.Error()}
	}
	if parsed.Scheme != URIScheme {
		return URI{}, &InvalidURIError{URI: raw, Reason: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}
	}
	if !ValidCategory(parsed.Host) {
		return URI{}, &InvalidURIError{URI: raw, Reason: fmt.Sprintf("unknown category %q", parsed.Host)}
	}

	ident := strings.Trim(parsed.Path, "/")
	if ident == "" {
		return URI{}, &InvalidURIError{URI: raw, Reason: "missing identifier"}
	}
	if strings.Contains(ident, "/") {
		return URI{}, &InvalidURIError{URI: raw, Reason: "identifier must be a single path segment"}
	}

	u := URI{Category: ParseCategory(parsed.Host), ID: ident}
	if ident != matchSegment {
		if parsed.RawQuery != "" {
			return URI{}, &InvalidURIError{URI: raw, Reason: "static URIs do not accept query parameters"}
		}
		return u, nil
	}

	u.Match = true
	u.ID = ""

	values, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return URI{}, &InvalidURIError{URI: raw, Reason: err.Error()}
	}
	u.Query = strings.TrimSpace(values.Get("query"))
	if u.Query == "" {
		return URI{}, &InvalidURIError{URI: raw, Reason: "match URIs require a non-empty query parameter"}
	}
	if v := values.Get("maxTokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return URI{}, &InvalidURIError{URI: raw, Reason: "maxTokens must be a positive integer"}
		}
		u.MaxTokens = n
	}
	if v := values.Get("minScore"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return URI{}, &InvalidURIError{URI: raw, Reason: "minScore must be an integer in [0, 100]"}
		}
		u.MinScore = n
	}
	return u, nil
}
