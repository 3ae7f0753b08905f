// Package parser turns raw document content (markdown with optional YAML
// front matter) into catalog fragments. Parsing is deliberately forgiving:
// a malformed metadata block degrades to empty extracted fields plus a
// diagnostic instead of dropping the document, because the catalog must
// never lose a document over cosmetic errors.
package parser

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"

	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// metadata is the typed view of the front matter block. Unknown keys are
// ignored; missing keys get zero values and are filled by fallbacks.
type metadata struct {
	ID              string   `mapstructure:"id"`
	Name            string   `mapstructure:"name"`
	Title           string   `mapstructure:"title"`
	Category        string   `mapstructure:"category"`
	Description     string   `mapstructure:"description"`
	Tags            []string `mapstructure:"tags"`
	Capabilities    []string `mapstructure:"capabilities"`
	UseWhen         []string `mapstructure:"useWhen"`
	RelatedSkills   []string `mapstructure:"relatedSkills"`
	RelatedAgents   []string `mapstructure:"relatedAgents"`
	EstimatedTokens int      `mapstructure:"estimatedTokens"`
}

// Parse builds a fragment from raw file content. path is used for
// diagnostics and as the identifier fallback. The returned *ParseError is a
// diagnostic, not a failure: the fragment is always usable.
func Parse(path string, content []byte) (resources.Fragment, *resources.ParseError) {
	metaMap, body, diag := splitFrontMatter(path, content)

	var md metadata
	if metaMap != nil {
		if err := decodeMetadata(metaMap, &md); err != nil {
			diag = &resources.ParseError{Path: path, Reason: err.Error()}
			md = metadata{}
		}
	}

	title := md.Title
	if title == "" {
		title = extractTitle(body)
	}

	id := firstNonEmpty(md.ID, md.Name)
	if id == "" && path != "" {
		id = slugify(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}

	tags := md.Tags
	if len(tags) == 0 {
		tags = extractSection(body, "tags", "keywords")
	}
	capabilities := md.Capabilities
	if len(capabilities) == 0 {
		capabilities = extractSection(body, "capabilities")
	}
	useWhen := md.UseWhen
	if len(useWhen) == 0 {
		useWhen = extractSection(body, "when to use", "use when", "usewhen")
	}

	estimated := md.EstimatedTokens
	if estimated <= 0 {
		estimated = EstimateTokens(body)
	}

	category := resources.ParseCategory(md.Category)

	// Fragments without a derivable id stay fuzzy-searchable; their URI
	// falls back to the path slug to keep per-provider uniqueness.
	uriIdent := id
	if uriIdent == "" {
		uriIdent = slugify(path)
	}

	frag := resources.Fragment{
		ID:              id,
		URI:             resources.FragmentURI(category, uriIdent),
		Category:        category,
		Title:           title,
		Tags:            normalizeList(tags),
		Capabilities:    capabilities,
		UseWhen:         useWhen,
		RelatedSkills:   md.RelatedSkills,
		RelatedAgents:   md.RelatedAgents,
		EstimatedTokens: estimated,
		Body:            body,
	}
	return frag, diag
}

// EstimateTokens approximates the token cost of text at roughly four
// characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// splitFrontMatter separates the leading YAML block from the body. The body
// is always returned; a broken block yields a nil map and a diagnostic.
func splitFrontMatter(path string, content []byte) (map[string]interface{}, string, *resources.ParseError) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, string(content), nil
	}

	body := stripFrontMatter(string(content))

	md := goldmark.New(goldmark.WithExtensions(meta.Meta))
	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, body, &resources.ParseError{Path: path, Reason: err.Error()}
	}

	metaMap, err := meta.TryGet(pctx)
	if err != nil {
		return nil, body, &resources.ParseError{Path: path, Reason: err.Error()}
	}
	return metaMap, body, nil
}

// stripFrontMatter removes the delimited metadata block, returning the body
// unchanged when no closing delimiter exists.
func stripFrontMatter(content string) string {
	lines := strings.Split(content, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return content
	}
	return strings.TrimLeft(strings.Join(lines[end+1:], "\n"), "\n")
}

// decodeMetadata maps the loosely typed front matter onto the typed record.
// Weak typing tolerates scalars where lists are expected and numeric
// strings for estimatedTokens.
func decodeMetadata(in map[string]interface{}, out *metadata) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// extractTitle returns the first top-level heading.
func extractTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil && len(m[1]) == 1 {
			return strings.TrimSpace(m[2])
		}
	}
	return ""
}

// extractSection collects the bullet items under the first heading whose
// text matches one of the given names (case-insensitive).
func extractSection(body string, names ...string) []string {
	var items []string
	inSection := false

	for _, line := range strings.Split(body, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			if inSection {
				break
			}
			heading := strings.ToLower(strings.TrimSpace(m[2]))
			for _, name := range names {
				if heading == name {
					inSection = true
					break
				}
			}
			continue
		}
		if !inSection {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			if item := strings.TrimSpace(trimmed[2:]); item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases s and collapses non-alphanumeric runs into hyphens.
func slugify(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// normalizeList lowercases and de-duplicates tag-like lists while keeping
// first-seen order.
func normalizeList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		normalized := strings.ToLower(strings.TrimSpace(item))
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}
