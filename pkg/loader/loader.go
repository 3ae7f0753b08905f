// Package loader exposes the public ResourceLoader facade: static URI
// lookup through the content cache, dynamic fuzzy lookup through the
// registry fan-out and compact formatter, runtime provider mutation, and a
// process health snapshot.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestr8/orchestr8/pkg/cache"
	"github.com/orchestr8/orchestr8/pkg/logger"
	"github.com/orchestr8/orchestr8/pkg/matcher"
	"github.com/orchestr8/orchestr8/pkg/provider"
	"github.com/orchestr8/orchestr8/pkg/registry"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// Loader composes the registry, matcher, and content cache into the public
// resource loading surface.
type Loader struct {
	registry  *registry.Registry
	cache     *cache.Cache
	clock     func() time.Time
	startedAt time.Time

	mu     sync.Mutex
	owners map[string]string // canonical URI -> provider name that cached it
}

// Option configures a Loader.
type Option func(*Loader)

// WithCache replaces the default content cache.
func WithCache(c *cache.Cache) Option {
	return func(l *Loader) {
		l.cache = c
	}
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Loader) {
		l.clock = clock
	}
}

// New creates a loader over the given registry.
func New(reg *registry.Registry, opts ...Option) (*Loader, error) {
	l := &Loader{
		registry: reg,
		clock:    time.Now,
		owners:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cache == nil {
		c, err := cache.New(cache.DefaultSize)
		if err != nil {
			return nil, err
		}
		l.cache = c
	}
	l.startedAt = l.clock()
	return l, nil
}

// Load resolves a resource URI. Static URIs return the document body;
// match URIs return the compact-formatted search summary.
func (l *Loader) Load(ctx context.Context, rawURI string) (string, error) {
	parsed, err := resources.ParseURI(rawURI)
	if err != nil {
		return "", err
	}
	if parsed.Match {
		return l.match(ctx, parsed)
	}
	return l.loadStatic(ctx, parsed)
}

// loadStatic resolves category/id across providers in priority order. The
// content cache answers repeat lookups within the owning provider's TTL.
func (l *Loader) loadStatic(ctx context.Context, parsed resources.URI) (string, error) {
	canonical := parsed.String()
	log := logger.G(ctx).WithField("uri", canonical).WithField("request_id", uuid.NewString())

	if content, ok := l.cache.Get(canonical); ok {
		l.recordCacheOutcome(canonical, true)
		log.Debug("static load served from cache")
		return content, nil
	}

	for _, target := range l.registry.EnabledTargets() {
		cctx := ctx
		if target.Config.Timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, target.Config.Timeout)
			defer cancel()
		}

		idx, err := target.Provider.ListIndex(cctx)
		if err != nil {
			log.WithError(err).WithField("provider", target.Provider.Name()).
				Warn("provider index unavailable during static load")
			continue
		}
		frag, ok := idx.ByID(parsed.Category, parsed.ID)
		if !ok {
			continue
		}

		// This provider owns the document: its fetch error is the
		// caller's error.
		if recorder, ok := target.Provider.(provider.CacheRecorder); ok {
			recorder.RecordCacheMiss()
		}
		content, err := target.Provider.FetchContent(cctx, frag.URI)
		if err != nil {
			return "", err
		}

		l.cache.Put(canonical, content, target.Config.CacheTTL)
		l.mu.Lock()
		l.owners[canonical] = target.Provider.Name()
		l.mu.Unlock()
		return content, nil
	}
	return "", &resources.NotFoundError{URI: canonical}
}

// recordCacheOutcome attributes a cache hit to the provider that populated
// the entry, keeping its stats invariant intact.
func (l *Loader) recordCacheOutcome(canonical string, hit bool) {
	l.mu.Lock()
	owner := l.owners[canonical]
	l.mu.Unlock()
	if owner == "" {
		return
	}
	target, ok := l.registry.Lookup(owner)
	if !ok {
		return
	}
	recorder, ok := target.Provider.(provider.CacheRecorder)
	if !ok {
		return
	}
	if hit {
		recorder.RecordCacheHit()
	} else {
		recorder.RecordCacheMiss()
	}
}

// match resolves a dynamic URI through the registry fan-out and renders
// the ranked results under the token budget.
func (l *Loader) match(ctx context.Context, parsed resources.URI) (string, error) {
	opts := resources.SearchOptions{
		Categories: []resources.Category{parsed.Category},
		MinScore:   parsed.MinScore,
	}
	results := l.registry.SearchAll(ctx, parsed.Query, opts)
	return matcher.FormatCompact(results, parsed.MaxTokens), nil
}

// Search runs a fuzzy query across all providers and returns the ranked
// results.
func (l *Loader) Search(ctx context.Context, query string, opts resources.SearchOptions) []resources.SearchResult {
	return l.registry.SearchAll(ctx, query, opts)
}

// SearchProvider runs a fuzzy query against one provider, propagating that
// provider's failure.
func (l *Loader) SearchProvider(ctx context.Context, name, query string, opts resources.SearchOptions) ([]resources.SearchResult, error) {
	return l.registry.SearchProvider(ctx, name, query, opts)
}

// EnableProvider re-admits a provider; it participates in the next call.
func (l *Loader) EnableProvider(name string) error {
	return l.registry.EnableProvider(name)
}

// DisableProvider removes a provider from fan-out while keeping its
// configuration for later re-enabling.
func (l *Loader) DisableProvider(name string) error {
	return l.registry.DisableProvider(name)
}

// UpdateCacheTTL changes a provider's content TTL for subsequent fetches.
func (l *Loader) UpdateCacheTTL(name string, ttl time.Duration) error {
	return l.registry.UpdateCacheTTL(name, ttl)
}

// UpdateRateLimits changes a provider's client-side rate limits.
func (l *Loader) UpdateRateLimits(name string, cfg resources.RateLimitConfig) error {
	return l.registry.UpdateRateLimits(name, cfg)
}

// UpdateTimeout changes a provider's per-call deadline.
func (l *Loader) UpdateTimeout(name string, timeout time.Duration) error {
	return l.registry.UpdateTimeout(name, timeout)
}

// AggregateStats sums stats across enabled providers.
func (l *Loader) AggregateStats() resources.AggregateStats {
	return l.registry.AggregateStats()
}

// GetStats returns per-provider stats snapshots.
func (l *Loader) GetStats() map[string]resources.ProviderStats {
	return l.registry.GetStats()
}

// GetHealth returns per-provider health snapshots, probing lazily.
func (l *Loader) GetHealth(ctx context.Context) map[string]resources.ProviderHealth {
	return l.registry.GetHealth(ctx)
}

// Refresh rebuilds every enabled provider's index and drops cached
// content.
func (l *Loader) Refresh(ctx context.Context) error {
	l.cache.Purge()
	return l.registry.RefreshAll(ctx)
}
