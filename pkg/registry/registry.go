// Package registry coordinates resource providers: concurrent fan-out
// search with per-provider timeouts, enable/disable lifecycle, lazy health
// checks, and stats aggregation. One provider's failure never fails a
// fan-out call; it is converted into health and stats updates at this
// boundary.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/orchestr8/orchestr8/pkg/logger"
	"github.com/orchestr8/orchestr8/pkg/matcher"
	"github.com/orchestr8/orchestr8/pkg/provider"
	"github.com/orchestr8/orchestr8/pkg/telemetry"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// DefaultHealthCheckInterval bounds how often a provider is re-probed by
// the lazy health check.
const DefaultHealthCheckInterval = 30 * time.Second

type entry struct {
	provider  provider.Provider
	config    resources.ProviderConfig
	health    resources.ProviderHealth
	lastProbe time.Time
}

// Registry tracks registered providers and their canonical health state.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*entry
	order          []string
	healthInterval time.Duration
	clock          func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHealthCheckInterval overrides the lazy health-check interval.
func WithHealthCheckInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.healthInterval = interval
		}
	}
}

// WithClock injects a clock, used by tests to control health-check
// short-circuiting.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:        make(map[string]*entry),
		healthInterval: DefaultHealthCheckInterval,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider under its configuration. Provider names are
// unique within a registry.
func (r *Registry) Register(p provider.Provider, cfg resources.ProviderConfig) error {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	if cfg.Name != p.Name() {
		return errors.Errorf("config name %q does not match provider name %q", cfg.Name, p.Name())
	}
	if cfg.Type == "" {
		cfg.Type = p.Type()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.Name]; exists {
		return errors.Errorf("provider %q already registered", cfg.Name)
	}
	r.entries[cfg.Name] = &entry{
		provider: p,
		config:   cfg,
		health:   resources.ProviderHealth{Status: resources.StatusHealthy},
	}
	r.order = append(r.order, cfg.Name)
	return nil
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// EnableProvider re-admits a provider to search fan-out. Its prior
// configuration (priority, limits, TTL) is untouched by disable/enable.
func (r *Registry) EnableProvider(name string) error {
	return r.mutate(name, func(e *entry) {
		e.config.Enabled = true
	})
}

// DisableProvider removes a provider from fan-out and aggregate stats
// without discarding its configuration.
func (r *Registry) DisableProvider(name string) error {
	return r.mutate(name, func(e *entry) {
		e.config.Enabled = false
	})
}

// UpdateCacheTTL changes a provider's content cache TTL; it applies to the
// next fetch.
func (r *Registry) UpdateCacheTTL(name string, ttl time.Duration) error {
	return r.mutate(name, func(e *entry) {
		e.config.CacheTTL = ttl
	})
}

// UpdateTimeout changes a provider's per-call deadline; it applies to the
// next call.
func (r *Registry) UpdateTimeout(name string, timeout time.Duration) error {
	return r.mutate(name, func(e *entry) {
		e.config.Timeout = timeout
	})
}

// UpdateRateLimits changes a provider's client-side rate limit; it applies
// to the next call.
func (r *Registry) UpdateRateLimits(name string, cfg resources.RateLimitConfig) error {
	return r.mutate(name, func(e *entry) {
		e.config.RateLimit = cfg
		if updater, ok := e.provider.(provider.RateLimitUpdater); ok {
			updater.UpdateRateLimits(cfg)
		}
	})
}

func (r *Registry) mutate(name string, f func(*entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return errors.Errorf("unknown provider %q", name)
	}
	f(e)
	return nil
}

// Config returns a provider's current configuration.
func (r *Registry) Config(name string) (resources.ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return resources.ProviderConfig{}, errors.Errorf("unknown provider %q", name)
	}
	return e.config, nil
}

// Target pairs a provider with its current configuration.
type Target struct {
	Provider provider.Provider
	Config   resources.ProviderConfig
}

// EnabledTargets returns the enabled providers sorted by ascending
// priority, then registration order.
func (r *Registry) EnabledTargets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []Target
	for _, name := range r.order {
		e := r.entries[name]
		if e.config.Enabled {
			targets = append(targets, Target{Provider: e.provider, Config: e.config})
		}
	}
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Config.Priority < targets[j].Config.Priority
	})
	return targets
}

// Lookup returns the named provider and its current configuration.
func (r *Registry) Lookup(name string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Target{}, false
	}
	return Target{Provider: e.provider, Config: e.config}, true
}

// searchTargets returns the providers admitted to fan-out: enabled and not
// unavailable.
func (r *Registry) searchTargets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []Target
	for _, name := range r.order {
		e := r.entries[name]
		if e.config.Enabled && e.health.Status != resources.StatusUnavailable {
			targets = append(targets, Target{Provider: e.provider, Config: e.config})
		}
	}
	return targets
}

// SearchAll fans the query out to every admitted provider concurrently and
// merges their results under the matcher's global ranking policy. A
// provider that errors or times out contributes zero results; its failure
// degrades its health and is logged, never returned. Result order depends
// only on scores and tie-breaks, not on completion order.
func (r *Registry) SearchAll(ctx context.Context, query string, opts resources.SearchOptions) []resources.SearchResult {
	opts = opts.Normalize()
	targets := r.searchTargets()
	requestID := uuid.NewString()

	perProvider := make([][]resources.SearchResult, len(targets))
	_ = telemetry.WithSpan(ctx, "registry.search_all", func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		for i, target := range targets {
			g.Go(func() error {
				perProvider[i] = r.searchTarget(gctx, target, query, opts, requestID)
				return nil
			})
		}
		_ = g.Wait()
		return nil
	},
		attribute.String("query", query),
		attribute.Int("providers", len(targets)),
		attribute.String("request_id", requestID),
	)

	var merged []resources.SearchResult
	for _, results := range perProvider {
		merged = append(merged, results...)
	}
	return matcher.Merge(opts, merged)
}

// searchTarget runs one provider's search under its own deadline. Failures
// are recorded, not propagated.
func (r *Registry) searchTarget(ctx context.Context, target Target, query string, opts resources.SearchOptions, requestID string) []resources.SearchResult {
	name := target.Provider.Name()
	cctx := ctx
	if target.Config.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, target.Config.Timeout)
		defer cancel()
	}

	start := r.clock()
	idx, err := target.Provider.ListIndex(cctx)
	elapsed := r.clock().Sub(start)
	if err != nil {
		r.recordFailure(name, elapsed)
		logger.G(ctx).WithError(err).
			WithField("provider", name).
			WithField("request_id", requestID).
			Warn("provider failed during search fan-out")
		return nil
	}

	r.recordSuccess(name, elapsed)
	return matcher.Rank(name, idx, query, opts)
}

// SearchProvider searches a single provider and propagates its failure to
// the caller, unlike the fan-out path.
func (r *Registry) SearchProvider(ctx context.Context, name, query string, opts resources.SearchOptions) ([]resources.SearchResult, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.RUnlock()
		return nil, errors.Errorf("unknown provider %q", name)
	}
	target := Target{Provider: e.provider, Config: e.config}
	enabled := e.config.Enabled
	r.mu.RUnlock()

	if !enabled {
		return nil, &resources.ProviderUnavailableError{Provider: name, Reason: "provider is disabled"}
	}

	cctx := ctx
	if target.Config.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, target.Config.Timeout)
		defer cancel()
	}

	start := r.clock()
	idx, err := target.Provider.ListIndex(cctx)
	elapsed := r.clock().Sub(start)
	if err != nil {
		r.recordFailure(name, elapsed)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, &resources.ProviderTimeoutError{Provider: name, Timeout: target.Config.Timeout}
		}
		return nil, err
	}
	r.recordSuccess(name, elapsed)
	return matcher.Rank(name, idx, query, opts), nil
}

func (r *Registry) recordFailure(name string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.health.ConsecutiveFailures++
	e.health.Status = e.health.Status.Worse()
	e.health.LastCheckedAt = r.clock()
	e.health.ResponseTimeMs = elapsed.Milliseconds()
}

func (r *Registry) recordSuccess(name string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.health.ConsecutiveFailures = 0
	e.health.Status = resources.StatusHealthy
	e.health.LastCheckedAt = r.clock()
	e.health.ResponseTimeMs = elapsed.Milliseconds()
}

// GetHealth returns a point-in-time health snapshot for every registered
// provider. Enabled providers whose last probe is older than the health
// interval are re-checked; fresher records are served as-is, so callers can
// poll without hammering providers.
func (r *Registry) GetHealth(ctx context.Context) map[string]resources.ProviderHealth {
	r.mu.RLock()
	type probe struct {
		target Target
		due    bool
	}
	probes := make(map[string]probe, len(r.entries))
	for _, name := range r.order {
		e := r.entries[name]
		due := e.config.Enabled && (e.lastProbe.IsZero() || r.clock().Sub(e.lastProbe) >= r.healthInterval)
		probes[name] = probe{target: Target{Provider: e.provider, Config: e.config}, due: due}
	}
	r.mu.RUnlock()

	for name, p := range probes {
		if p.due {
			r.checkHealth(ctx, name, p.target)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]resources.ProviderHealth, len(r.entries))
	for name, e := range r.entries {
		snapshot[name] = e.health
	}
	return snapshot
}

// checkHealth probes one provider and folds the observation into the state
// machine: failure steps the status one level worse, success resets it to
// healthy. Unavailable providers are still probed so they can recover.
func (r *Registry) checkHealth(ctx context.Context, name string, target Target) {
	cctx := ctx
	if target.Config.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, target.Config.Timeout)
		defer cancel()
	}

	obs := target.Provider.HealthCheck(cctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.lastProbe = r.clock()
	e.health.LastCheckedAt = e.lastProbe
	e.health.ResponseTimeMs = obs.ResponseTimeMs
	if obs.Status == resources.StatusHealthy {
		e.health.Status = resources.StatusHealthy
		e.health.ConsecutiveFailures = 0
	} else {
		e.health.ConsecutiveFailures++
		e.health.Status = e.health.Status.Worse()
	}
}

// GetStats returns a stats snapshot for every registered provider.
func (r *Registry) GetStats() map[string]resources.ProviderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]resources.ProviderStats, len(r.entries))
	for name, e := range r.entries {
		snapshot[name] = e.provider.Stats()
	}
	return snapshot
}

// AggregateStats sums stats across enabled providers only. The cache hit
// rate is defined as zero when there has been no cache traffic.
func (r *Registry) AggregateStats() resources.AggregateStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agg resources.AggregateStats
	var weightedResponse float64
	var timedRequests int64
	for _, name := range r.order {
		e := r.entries[name]
		if !e.config.Enabled {
			continue
		}
		stats := e.provider.Stats()
		agg.Providers++
		agg.TotalRequests += stats.TotalRequests
		agg.CacheHits += stats.CacheHits
		agg.CacheMisses += stats.CacheMisses
		weightedResponse += stats.AvgResponseTimeMs * float64(stats.TotalRequests)
		timedRequests += stats.TotalRequests
	}
	if traffic := agg.CacheHits + agg.CacheMisses; traffic > 0 {
		agg.CacheHitRate = float64(agg.CacheHits) / float64(traffic)
	}
	if timedRequests > 0 {
		agg.AvgResponseTimeMs = weightedResponse / float64(timedRequests)
	}
	return agg
}

// ClearStats resets every provider's counters. Stats are never reset
// implicitly.
func (r *Registry) ClearStats() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if clearer, ok := e.provider.(provider.StatsClearer); ok {
			clearer.Clear()
		}
	}
}

// RefreshAll rebuilds every enabled provider's index, aggregating per
// provider failures so one provider cannot hide another's error.
func (r *Registry) RefreshAll(ctx context.Context) error {
	var result *multierror.Error
	for _, target := range r.EnabledTargets() {
		refresher, ok := target.Provider.(provider.Refresher)
		if !ok {
			continue
		}
		if err := refresher.Refresh(ctx); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "refresh %s", target.Provider.Name()))
		}
	}
	return result.ErrorOrNil()
}
