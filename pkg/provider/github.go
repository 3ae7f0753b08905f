package provider

import (
	"context"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/orchestr8/orchestr8/pkg/logger"
	"github.com/orchestr8/orchestr8/pkg/parser"
	"github.com/orchestr8/orchestr8/pkg/telemetry"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// GitHub serves resources from a repository's content API. Documents live
// under a root path in the repo; their relative path feeds the same parser
// as local documents. Rate-limit state comes from GitHub's own response
// metadata, which wins over the client-side bucket.
type GitHub struct {
	statsRecorder
	name     string
	owner    string
	repo     string
	ref      string
	rootPath string
	client   *github.Client
	bucket   *rateBucket

	mu        sync.Mutex
	pathByURI map[string]string
}

// GitHubOption configures a GitHub provider.
type GitHubOption func(*GitHub)

// WithRef pins the git ref (branch, tag, or SHA) to read from.
func WithRef(ref string) GitHubOption {
	return func(g *GitHub) {
		g.ref = ref
	}
}

// WithRootPath restricts document discovery to a subtree of the repo.
func WithRootPath(root string) GitHubOption {
	return func(g *GitHub) {
		g.rootPath = strings.Trim(root, "/")
	}
}

// WithToken authenticates API calls; without it GitHub applies its
// restrictive anonymous rate limits.
func WithToken(token string) GitHubOption {
	return func(g *GitHub) {
		if token == "" {
			return
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		g.client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
}

// WithGitHubClient replaces the underlying client, used by tests to point
// at a fake API server.
func WithGitHubClient(client *github.Client) GitHubOption {
	return func(g *GitHub) {
		g.client = client
	}
}

// WithGitHubRateLimit configures the client-side token bucket.
func WithGitHubRateLimit(cfg resources.RateLimitConfig) GitHubOption {
	return func(g *GitHub) {
		g.bucket.configure(cfg)
	}
}

// NewGitHub creates a provider reading from owner/repo.
func NewGitHub(name, owner, repo string, opts ...GitHubOption) *GitHub {
	g := &GitHub{
		name:   name,
		owner:  owner,
		repo:   repo,
		client: github.NewClient(nil),
		bucket: newRateBucket(resources.RateLimitConfig{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitHub) Name() string {
	return g.name
}

func (g *GitHub) Type() resources.ProviderType {
	return resources.ProviderTypeGitHub
}

// UpdateRateLimits swaps the token bucket; the new limits apply to the next
// call.
func (g *GitHub) UpdateRateLimits(cfg resources.RateLimitConfig) {
	g.bucket.configure(cfg)
}

// ListIndex walks the repo subtree and parses every markdown document.
func (g *GitHub) ListIndex(ctx context.Context) (resources.Index, error) {
	now := time.Now()
	if !g.bucket.allow(now) {
		return nil, &resources.RateLimitExceededError{Provider: g.name, ResetAt: g.bucket.resetAt(now)}
	}

	start := time.Now()
	defer func() { g.recordRequest(time.Since(start)) }()

	pathByURI := make(map[string]string)
	var idx resources.Index
	err := telemetry.WithSpan(ctx, "provider.github.list_index", func(ctx context.Context) error {
		var err error
		idx, err = g.walkDir(ctx, g.rootPath, pathByURI)
		return err
	},
		attribute.String("provider", g.name),
		attribute.String("repo", g.owner+"/"+g.repo),
	)
	if err != nil {
		return nil, g.classify(ctx, err)
	}

	g.mu.Lock()
	g.pathByURI = pathByURI
	g.mu.Unlock()
	return idx, nil
}

func (g *GitHub) walkDir(ctx context.Context, dir string, pathByURI map[string]string) (resources.Index, error) {
	_, listing, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, dir, g.contentOpts())
	g.captureRate(resp)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}

	sort.Slice(listing, func(i, j int) bool { return listing[i].GetName() < listing[j].GetName() })

	var idx resources.Index
	var subdirs []string
	for _, entry := range listing {
		switch entry.GetType() {
		case "dir":
			subdirs = append(subdirs, entry.GetPath())
		case "file":
			if !strings.HasSuffix(entry.GetName(), ".md") {
				continue
			}
			frag, err := g.fetchFragment(ctx, entry.GetPath())
			if err != nil {
				return nil, err
			}
			// URI uniqueness within the index, first occurrence in
			// traversal order wins; the path map stays consistent with
			// the fragment retained.
			if _, seen := pathByURI[frag.URI]; seen {
				logger.G(ctx).WithField("provider", g.name).WithField("uri", frag.URI).
					WithField("path", entry.GetPath()).Warn("duplicate resource URI, keeping first occurrence")
				continue
			}
			idx = append(idx, *frag)
			pathByURI[frag.URI] = entry.GetPath()
		}
	}
	for _, sub := range subdirs {
		subIdx, err := g.walkDir(ctx, sub, pathByURI)
		if err != nil {
			return nil, err
		}
		idx = append(idx, subIdx...)
	}
	return idx, nil
}

func (g *GitHub) fetchFragment(ctx context.Context, filePath string) (*resources.Fragment, error) {
	content, err := g.fileContent(ctx, filePath)
	if err != nil {
		return nil, err
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(filePath, g.rootPath), "/")
	frag, diag := parser.Parse(rel, []byte(content))
	if diag != nil {
		logger.G(ctx).WithField("provider", g.name).WithField("path", filePath).
			WithField("reason", diag.Reason).Warn("document parsed with degraded fields")
	}
	return &frag, nil
}

func (g *GitHub) fileContent(ctx context.Context, filePath string) (string, error) {
	file, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, filePath, g.contentOpts())
	g.captureRate(resp)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch %s", filePath)
	}
	if file == nil {
		return "", errors.Errorf("%s is not a file", filePath)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", errors.Wrapf(err, "failed to decode %s", filePath)
	}
	return content, nil
}

// FetchContent resolves a static URI using the path map built by the last
// ListIndex, building the index first when necessary.
func (g *GitHub) FetchContent(ctx context.Context, uri string) (string, error) {
	now := time.Now()
	if !g.bucket.allow(now) {
		return "", &resources.RateLimitExceededError{Provider: g.name, ResetAt: g.bucket.resetAt(now)}
	}

	g.mu.Lock()
	known := g.pathByURI != nil
	filePath, ok := g.pathByURI[uri]
	g.mu.Unlock()

	if !known {
		if _, err := g.ListIndex(ctx); err != nil {
			return "", err
		}
		g.mu.Lock()
		filePath, ok = g.pathByURI[uri]
		g.mu.Unlock()
	}
	if !ok {
		return "", &resources.NotFoundError{URI: uri}
	}

	start := time.Now()
	defer func() { g.recordRequest(time.Since(start)) }()

	// Return the parsed body so cached content has the same shape
	// regardless of provider type.
	var frag *resources.Fragment
	err := telemetry.WithSpan(ctx, "provider.github.fetch_content", func(ctx context.Context) error {
		var err error
		frag, err = g.fetchFragment(ctx, filePath)
		return err
	},
		attribute.String("provider", g.name),
		attribute.String("path", filePath),
	)
	if err != nil {
		return "", g.classify(ctx, err)
	}
	return frag.Body, nil
}

// HealthCheck probes the repository metadata endpoint.
func (g *GitHub) HealthCheck(ctx context.Context) resources.ProviderHealth {
	start := time.Now()
	health := resources.ProviderHealth{Status: resources.StatusHealthy, LastCheckedAt: start}

	_, resp, err := g.client.Repositories.Get(ctx, g.owner, g.repo)
	g.captureRate(resp)
	health.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		health.Status = resources.StatusUnavailable
	}
	return health
}

// Stats returns a snapshot of the accumulated counters.
func (g *GitHub) Stats() resources.ProviderStats {
	return g.snapshot()
}

func (g *GitHub) contentOpts() *github.RepositoryContentGetOptions {
	if g.ref == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: g.ref}
}

// captureRate records GitHub's authoritative rate state when present.
func (g *GitHub) captureRate(resp *github.Response) {
	if resp == nil {
		return
	}
	g.recordRateLimit(resp.Rate.Remaining, resp.Rate.Reset.Time)
}

func (g *GitHub) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &resources.ProviderTimeoutError{Provider: g.name}
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return &resources.NotFoundError{URI: path.Join(g.owner, g.repo)}
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &resources.RateLimitExceededError{Provider: g.name, ResetAt: rateErr.Rate.Reset.Time}
	}
	return &resources.ProviderUnavailableError{Provider: g.name, Reason: err.Error()}
}
