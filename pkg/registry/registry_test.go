package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// stubProvider is a scriptable provider for registry tests.
type stubProvider struct {
	name  string
	ptype resources.ProviderType

	mu      sync.Mutex
	idx     resources.Index
	listErr error
	delay   time.Duration
	healthy bool
	stats   resources.ProviderStats

	listCalls   atomic.Int32
	healthCalls atomic.Int32
	refreshes   atomic.Int32
	cleared     atomic.Bool
	rateCfg     resources.RateLimitConfig
}

func newStub(name string, idx resources.Index) *stubProvider {
	return &stubProvider{name: name, ptype: resources.ProviderTypeLocal, idx: idx, healthy: true}
}

func (s *stubProvider) Name() string                 { return s.name }
func (s *stubProvider) Type() resources.ProviderType { return s.ptype }

func (s *stubProvider) ListIndex(ctx context.Context) (resources.Index, error) {
	s.listCalls.Add(1)
	s.mu.Lock()
	idx, listErr, delay := s.idx, s.listErr, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if listErr != nil {
		return nil, listErr
	}
	return idx, nil
}

func (s *stubProvider) FetchContent(ctx context.Context, uri string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frag, ok := s.idx.ByURI(uri); ok {
		return frag.Body, nil
	}
	return "", &resources.NotFoundError{URI: uri}
}

func (s *stubProvider) HealthCheck(ctx context.Context) resources.ProviderHealth {
	s.healthCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	status := resources.StatusHealthy
	if !s.healthy {
		status = resources.StatusUnavailable
	}
	return resources.ProviderHealth{Status: status, LastCheckedAt: time.Now()}
}

func (s *stubProvider) Stats() resources.ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *stubProvider) Clear() { s.cleared.Store(true) }

func (s *stubProvider) Refresh(ctx context.Context) error {
	s.refreshes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listErr
}

func (s *stubProvider) UpdateRateLimits(cfg resources.RateLimitConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateCfg = cfg
}

func (s *stubProvider) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func frag(category resources.Category, id string, tokens int, tags ...string) resources.Fragment {
	return resources.Fragment{
		ID:              id,
		URI:             resources.FragmentURI(category, id),
		Category:        category,
		Title:           id,
		Tags:            tags,
		EstimatedTokens: tokens,
	}
}

func enabledConfig(name string, priority int) resources.ProviderConfig {
	return resources.ProviderConfig{Name: name, Priority: priority, Enabled: true}
}

func TestRegister(t *testing.T) {
	r := New()
	p := newStub("local", nil)
	require.NoError(t, r.Register(p, resources.ProviderConfig{Enabled: true}))

	cfg, err := r.Config("local")
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Name, "name defaults from the provider")
	assert.Equal(t, resources.ProviderTypeLocal, cfg.Type)

	assert.Error(t, r.Register(newStub("local", nil), resources.ProviderConfig{}), "duplicate name")
	assert.Error(t, r.Register(newStub("other", nil), resources.ProviderConfig{Name: "mismatch"}))
	assert.Equal(t, []string{"local"}, r.Names())
}

func TestSearchAllMergesAcrossProviders(t *testing.T) {
	strong := newStub("remote", resources.Index{frag(resources.CategorySkill, "typescript", 100, "typescript")})
	weak := newStub("local", resources.Index{frag(resources.CategorySkill, "typescript-notes", 100)})

	r := New()
	require.NoError(t, r.Register(weak, enabledConfig("local", 1)))
	require.NoError(t, r.Register(strong, enabledConfig("remote", 2)))

	results := r.SearchAll(context.Background(), "typescript", resources.SearchOptions{})
	require.Len(t, results, 2)
	assert.Equal(t, "remote", results[0].ProviderName, "tag match outranks priority")
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchAllPartialFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return now }))

	good := newStub("good", resources.Index{frag(resources.CategorySkill, "typescript", 100, "typescript")})
	bad := newStub("bad", nil)
	require.NoError(t, r.Register(good, enabledConfig("good", 1)))
	require.NoError(t, r.Register(bad, enabledConfig("bad", 2)))

	// Prime lastProbe so the later health snapshot reflects fan-out
	// bookkeeping rather than a fresh probe.
	r.GetHealth(context.Background())
	bad.setListErr(&resources.ProviderUnavailableError{Provider: "bad", Reason: "boom"})

	results := r.SearchAll(context.Background(), "typescript", resources.SearchOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].ProviderName)

	health := r.GetHealth(context.Background())
	assert.Equal(t, resources.StatusDegraded, health["bad"].Status)
	assert.Equal(t, 1, health["bad"].ConsecutiveFailures)
	assert.Equal(t, resources.StatusHealthy, health["good"].Status)
}

func TestSearchAllTimeoutIsolation(t *testing.T) {
	fast := newStub("fast", resources.Index{frag(resources.CategorySkill, "typescript", 100, "typescript")})
	slow := newStub("slow", nil)
	slow.delay = 2 * time.Second

	r := New()
	require.NoError(t, r.Register(fast, enabledConfig("fast", 1)))
	slowCfg := enabledConfig("slow", 2)
	slowCfg.Timeout = 50 * time.Millisecond
	require.NoError(t, r.Register(slow, slowCfg))

	start := time.Now()
	results := r.SearchAll(context.Background(), "typescript", resources.SearchOptions{})
	elapsed := time.Since(start)

	require.Len(t, results, 1)
	assert.Equal(t, "fast", results[0].ProviderName)
	assert.Less(t, elapsed, time.Second, "slow provider's deadline bounds the fan-out")
}

func TestSearchAllSkipsUnavailable(t *testing.T) {
	flaky := newStub("flaky", nil)
	flaky.setListErr(&resources.ProviderUnavailableError{Provider: "flaky", Reason: "down"})

	r := New()
	require.NoError(t, r.Register(flaky, enabledConfig("flaky", 1)))

	// Two consecutive failures step healthy -> degraded -> unavailable.
	r.SearchAll(context.Background(), "q", resources.SearchOptions{})
	r.SearchAll(context.Background(), "q", resources.SearchOptions{})
	calls := flaky.listCalls.Load()
	assert.Equal(t, int32(2), calls)

	// Unavailable providers are excluded from fan-out entirely.
	r.SearchAll(context.Background(), "q", resources.SearchOptions{})
	assert.Equal(t, calls, flaky.listCalls.Load())
}

func TestSearchProvider(t *testing.T) {
	p := newStub("local", resources.Index{frag(resources.CategorySkill, "typescript", 100, "typescript")})
	r := New()
	require.NoError(t, r.Register(p, enabledConfig("local", 1)))

	t.Run("success", func(t *testing.T) {
		results, err := r.SearchProvider(context.Background(), "local", "typescript", resources.SearchOptions{})
		require.NoError(t, err)
		require.Len(t, results, 1)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := r.SearchProvider(context.Background(), "nope", "q", resources.SearchOptions{})
		assert.Error(t, err)
	})

	t.Run("disabled", func(t *testing.T) {
		require.NoError(t, r.DisableProvider("local"))
		defer func() { require.NoError(t, r.EnableProvider("local")) }()

		_, err := r.SearchProvider(context.Background(), "local", "q", resources.SearchOptions{})
		var unavailable *resources.ProviderUnavailableError
		require.ErrorAs(t, err, &unavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		p.mu.Lock()
		p.delay = 2 * time.Second
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			p.delay = 0
			p.mu.Unlock()
		}()
		require.NoError(t, r.UpdateTimeout("local", 50*time.Millisecond))

		_, err := r.SearchProvider(context.Background(), "local", "q", resources.SearchOptions{})
		var timeout *resources.ProviderTimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
	})
}

func TestDisableEnableRoundTrip(t *testing.T) {
	p := newStub("local", resources.Index{frag(resources.CategorySkill, "typescript", 100, "typescript")})
	r := New()
	cfg := enabledConfig("local", 7)
	cfg.CacheTTL = 5 * time.Minute
	require.NoError(t, r.Register(p, cfg))

	require.NoError(t, r.DisableProvider("local"))
	assert.Empty(t, r.EnabledTargets())
	assert.Empty(t, r.SearchAll(context.Background(), "typescript", resources.SearchOptions{}))

	require.NoError(t, r.EnableProvider("local"))
	targets := r.EnabledTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, 7, targets[0].Config.Priority, "configuration survives the round trip")
	assert.Equal(t, 5*time.Minute, targets[0].Config.CacheTTL)

	results := r.SearchAll(context.Background(), "typescript", resources.SearchOptions{})
	assert.Len(t, results, 1)
}

func TestEnabledTargetsPriorityOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newStub("second", nil), enabledConfig("second", 2)))
	require.NoError(t, r.Register(newStub("first", nil), enabledConfig("first", 1)))
	require.NoError(t, r.Register(newStub("disabled", nil), resources.ProviderConfig{Name: "disabled"}))

	targets := r.EnabledTargets()
	require.Len(t, targets, 2)
	assert.Equal(t, "first", targets[0].Provider.Name())
	assert.Equal(t, "second", targets[1].Provider.Name())
}

func TestGetHealthLazyInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return now }))
	p := newStub("local", nil)
	require.NoError(t, r.Register(p, enabledConfig("local", 1)))

	r.GetHealth(context.Background())
	r.GetHealth(context.Background())
	assert.Equal(t, int32(1), p.healthCalls.Load(), "fresh records are served without probing")

	now = now.Add(DefaultHealthCheckInterval)
	r.GetHealth(context.Background())
	assert.Equal(t, int32(2), p.healthCalls.Load())
}

func TestGetHealthRecovery(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return now }), WithHealthCheckInterval(time.Second))
	p := newStub("local", nil)
	p.healthy = false
	require.NoError(t, r.Register(p, enabledConfig("local", 1)))

	health := r.GetHealth(context.Background())
	assert.Equal(t, resources.StatusDegraded, health["local"].Status)

	now = now.Add(time.Second)
	health = r.GetHealth(context.Background())
	assert.Equal(t, resources.StatusUnavailable, health["local"].Status)
	assert.Equal(t, 2, health["local"].ConsecutiveFailures)

	// An unavailable provider is still probed and can recover.
	p.mu.Lock()
	p.healthy = true
	p.mu.Unlock()
	now = now.Add(time.Second)
	health = r.GetHealth(context.Background())
	assert.Equal(t, resources.StatusHealthy, health["local"].Status)
	assert.Equal(t, 0, health["local"].ConsecutiveFailures)
}

func TestAggregateStats(t *testing.T) {
	a := newStub("a", nil)
	a.stats = resources.ProviderStats{TotalRequests: 10, CacheHits: 6, CacheMisses: 4, AvgResponseTimeMs: 100}
	b := newStub("b", nil)
	b.stats = resources.ProviderStats{TotalRequests: 30, CacheHits: 0, CacheMisses: 10, AvgResponseTimeMs: 20}
	disabled := newStub("c", nil)
	disabled.stats = resources.ProviderStats{TotalRequests: 1000}

	r := New()
	require.NoError(t, r.Register(a, enabledConfig("a", 1)))
	require.NoError(t, r.Register(b, enabledConfig("b", 2)))
	require.NoError(t, r.Register(disabled, resources.ProviderConfig{Name: "c"}))

	agg := r.AggregateStats()
	assert.Equal(t, 2, agg.Providers)
	assert.Equal(t, int64(40), agg.TotalRequests, "disabled providers are excluded")
	assert.InDelta(t, 0.3, agg.CacheHitRate, 1e-9)
	assert.InDelta(t, 40.0, agg.AvgResponseTimeMs, 1e-9, "request-weighted average")
}

func TestAggregateStatsNoTraffic(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newStub("a", nil), enabledConfig("a", 1)))

	agg := r.AggregateStats()
	assert.Zero(t, agg.CacheHitRate)
	assert.Zero(t, agg.AvgResponseTimeMs)
}

func TestUpdateRateLimits(t *testing.T) {
	p := newStub("local", nil)
	r := New()
	require.NoError(t, r.Register(p, enabledConfig("local", 1)))

	cfg := resources.RateLimitConfig{PerMinute: 30, PerHour: 500}
	require.NoError(t, r.UpdateRateLimits("local", cfg))

	p.mu.Lock()
	assert.Equal(t, cfg, p.rateCfg)
	p.mu.Unlock()

	got, err := r.Config("local")
	require.NoError(t, err)
	assert.Equal(t, cfg, got.RateLimit)

	assert.Error(t, r.UpdateRateLimits("nope", cfg))
}

func TestClearStats(t *testing.T) {
	p := newStub("local", nil)
	r := New()
	require.NoError(t, r.Register(p, enabledConfig("local", 1)))

	r.ClearStats()
	assert.True(t, p.cleared.Load())
}

func TestRefreshAll(t *testing.T) {
	good := newStub("good", nil)
	bad := newStub("bad", nil)
	bad.setListErr(assert.AnError)
	disabled := newStub("off", nil)

	r := New()
	require.NoError(t, r.Register(good, enabledConfig("good", 1)))
	require.NoError(t, r.Register(bad, enabledConfig("bad", 2)))
	require.NoError(t, r.Register(disabled, resources.ProviderConfig{Name: "off"}))

	err := r.RefreshAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh bad")
	assert.Equal(t, int32(1), good.refreshes.Load())
	assert.Equal(t, int32(1), bad.refreshes.Load())
	assert.Zero(t, disabled.refreshes.Load())
}
