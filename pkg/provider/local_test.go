package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestr8/orchestr8/pkg/index"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

func newLocalFixture(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	doc := "---\nid: react-expert\ncategory: agent\ntags:\n  - react\n---\n# React Expert\n\nHooks and components.\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "react-expert.md"), []byte(doc), 0o644))
	return NewLocal("local", index.NewBuilder(root)), root
}

func TestLocalListIndex(t *testing.T) {
	l, _ := newLocalFixture(t)

	idx, err := l.ListIndex(context.Background())
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, "react-expert", idx[0].ID)
	assert.Equal(t, resources.ProviderTypeLocal, l.Type())
}

func TestLocalFetchContent(t *testing.T) {
	l, _ := newLocalFixture(t)
	ctx := context.Background()

	content, err := l.FetchContent(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)
	assert.Contains(t, content, "Hooks and components.")

	_, err = l.FetchContent(ctx, "orchestr8://agent/missing")
	var notFound *resources.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "orchestr8://agent/missing", notFound.URI)
}

func TestLocalUnreadableRoot(t *testing.T) {
	l := NewLocal("local", index.NewBuilder(filepath.Join(t.TempDir(), "gone")))

	_, err := l.ListIndex(context.Background())
	var unavailable *resources.ProviderUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "local", unavailable.Provider)

	health := l.HealthCheck(context.Background())
	assert.Equal(t, resources.StatusUnavailable, health.Status)
}

func TestLocalHealthCheck(t *testing.T) {
	l, _ := newLocalFixture(t)
	health := l.HealthCheck(context.Background())
	assert.Equal(t, resources.StatusHealthy, health.Status)
	assert.False(t, health.LastCheckedAt.IsZero())
}

func TestLocalRefresh(t *testing.T) {
	l, root := newLocalFixture(t)
	ctx := context.Background()

	idx, err := l.ListIndex(ctx)
	require.NoError(t, err)
	require.Len(t, idx, 1)

	doc := "---\nid: terraform\ncategory: skill\n---\n# Terraform\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "terraform.md"), []byte(doc), 0o644))

	require.NoError(t, l.Refresh(ctx))
	idx, err = l.ListIndex(ctx)
	require.NoError(t, err)
	assert.Len(t, idx, 2)
}

func TestLocalStatsInvariant(t *testing.T) {
	l, _ := newLocalFixture(t)
	ctx := context.Background()

	// A cache miss is followed by the fetch that records the request.
	l.RecordCacheMiss()
	_, err := l.FetchContent(ctx, "orchestr8://agent/react-expert")
	require.NoError(t, err)

	// A cache hit short-circuits the fetch and records its own request.
	l.RecordCacheHit()

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.GreaterOrEqual(t, stats.TotalRequests, stats.CacheHits+stats.CacheMisses)

	l.Clear()
	stats = l.Stats()
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.CacheHits)
	assert.Zero(t, stats.CacheMisses)
}
