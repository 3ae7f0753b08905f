package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestr8/orchestr8/pkg/cache"
	"github.com/orchestr8/orchestr8/pkg/index"
	"github.com/orchestr8/orchestr8/pkg/provider"
	"github.com/orchestr8/orchestr8/pkg/registry"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

const reactDoc = `---
id: react-expert
category: agent
tags:
  - react
  - frontend
useWhen:
  - building React UIs
estimatedTokens: 900
---
# React Expert

Hooks and components.
`

func writeDoc(t *testing.T, root, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
}

type fixture struct {
	loader *Loader
	local  *provider.Local
	root   string
	now    *time.Time
}

func newFixture(t *testing.T, cfg resources.ProviderConfig) *fixture {
	t.Helper()
	root := t.TempDir()
	writeDoc(t, root, "react-expert.md", reactDoc)

	local := provider.NewLocal("local", index.NewBuilder(root))
	reg := registry.New()
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	require.NoError(t, reg.Register(local, cfg))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c, err := cache.New(16, cache.WithClock(clock))
	require.NoError(t, err)

	l, err := New(reg, WithCache(c), WithClock(clock))
	require.NoError(t, err)
	return &fixture{loader: l, local: local, root: root, now: &now}
}

func enabledLocal() resources.ProviderConfig {
	return resources.ProviderConfig{Name: "local", Enabled: true, CacheTTL: 5 * time.Minute}
}

func TestLoadStatic(t *testing.T) {
	f := newFixture(t, enabledLocal())
	ctx := context.Background()

	content, err := f.loader.Load(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)
	assert.Contains(t, content, "Hooks and components.")

	// The repeat load is a cache hit attributed to the owning provider.
	again, err := f.loader.Load(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)
	assert.Equal(t, content, again)

	stats := f.local.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.GreaterOrEqual(t, stats.TotalRequests, stats.CacheHits+stats.CacheMisses)
}

func TestLoadStaticTTLExpiry(t *testing.T) {
	f := newFixture(t, enabledLocal())
	ctx := context.Background()

	_, err := f.loader.Load(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)

	// Within the TTL the cache answers; past it the provider is hit again.
	*f.now = f.now.Add(4 * time.Minute)
	_, err = f.loader.Load(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)

	*f.now = f.now.Add(2 * time.Minute)
	_, err = f.loader.Load(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)

	stats := f.local.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(2), stats.CacheMisses)
}

func TestLoadStaticNotFound(t *testing.T) {
	f := newFixture(t, enabledLocal())

	_, err := f.loader.Load(context.Background(), "orchestr8://agent/missing")
	var notFound *resources.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "orchestr8://agent/missing", notFound.URI)
}

func TestLoadInvalidURI(t *testing.T) {
	f := newFixture(t, enabledLocal())

	for _, raw := range []string{"http://agent/x", "orchestr8://agent/match", "garbage"} {
		_, err := f.loader.Load(context.Background(), raw)
		var uriErr *resources.InvalidURIError
		assert.ErrorAs(t, err, &uriErr, raw)
	}
}

func TestLoadMatch(t *testing.T) {
	f := newFixture(t, enabledLocal())

	out, err := f.loader.Load(context.Background(), "orchestr8://agent/match?query=react+ui")
	require.NoError(t, err)
	assert.Contains(t, out, "orchestr8://agent/react-expert")
	assert.Contains(t, out, "[local, score ")
	assert.Contains(t, out, "~900 tokens")

	out, err = f.loader.Load(context.Background(), "orchestr8://agent/match?query=quantum+chromodynamics")
	require.NoError(t, err)
	assert.Empty(t, out, "no relevant documents yields an empty summary")
}

func TestLoadMatchMinScore(t *testing.T) {
	f := newFixture(t, enabledLocal())

	// The only match is a weak body hit; a high floor filters it out.
	out, err := f.loader.Load(context.Background(), "orchestr8://agent/match?query=components&minScore=90")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDisableEnableProvider(t *testing.T) {
	f := newFixture(t, enabledLocal())
	ctx := context.Background()

	require.NoError(t, f.loader.DisableProvider("local"))
	_, err := f.loader.Load(ctx, "orchestr8://agent/react-expert")
	var notFound *resources.NotFoundError
	require.ErrorAs(t, err, &notFound)

	require.NoError(t, f.loader.EnableProvider("local"))
	_, err = f.loader.Load(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, enabledLocal())
	ctx := context.Background()

	out, err := f.loader.Load(ctx, "orchestr8://skill/match?query=terraform+infrastructure")
	require.NoError(t, err)
	assert.Empty(t, out)

	writeDoc(t, f.root, "terraform.md", "---\nid: terraform\ncategory: skill\ntags:\n  - terraform\n---\n# Terraform\n")
	require.NoError(t, f.loader.Refresh(ctx))

	out, err = f.loader.Load(ctx, "orchestr8://skill/match?query=terraform+infrastructure")
	require.NoError(t, err)
	assert.Contains(t, out, "orchestr8://skill/terraform")
}

func TestHealthReport(t *testing.T) {
	f := newFixture(t, enabledLocal())

	*f.now = f.now.Add(1500 * time.Millisecond)
	report := f.loader.Health(context.Background())
	assert.Equal(t, resources.StatusHealthy, report.Status)
	assert.Equal(t, int64(1500), report.UptimeMs)
	assert.Contains(t, report.Providers, "local")
	assert.GreaterOrEqual(t, report.MemoryMB, 0.0)
}

func TestHealthReportWorstStatusWins(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "react-expert.md", reactDoc)

	good := provider.NewLocal("good", index.NewBuilder(root))
	broken := provider.NewLocal("broken", index.NewBuilder(filepath.Join(root, "gone")))

	reg := registry.New()
	require.NoError(t, reg.Register(good, resources.ProviderConfig{Name: "good", Enabled: true}))
	require.NoError(t, reg.Register(broken, resources.ProviderConfig{Name: "broken", Enabled: true}))

	l, err := New(reg)
	require.NoError(t, err)

	report := l.Health(context.Background())
	assert.Equal(t, resources.StatusDegraded, report.Status)
	assert.Equal(t, resources.StatusHealthy, report.Providers["good"].Status)
	assert.Equal(t, resources.StatusDegraded, report.Providers["broken"].Status)
}

func TestStatsPassthrough(t *testing.T) {
	f := newFixture(t, enabledLocal())
	ctx := context.Background()

	_, err := f.loader.Load(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)

	agg := f.loader.AggregateStats()
	assert.Equal(t, 1, agg.Providers)
	assert.Positive(t, agg.TotalRequests)

	perProvider := f.loader.GetStats()
	assert.Contains(t, perProvider, "local")
}
