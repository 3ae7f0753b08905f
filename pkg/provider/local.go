package provider

import (
	"context"
	"os"
	"time"

	"github.com/orchestr8/orchestr8/pkg/index"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// Local serves resources from a filesystem document tree through the index
// builder. It has no rate limit and no network health check: it is healthy
// unless the root path is unreadable.
type Local struct {
	statsRecorder
	name    string
	builder *index.Builder
}

// NewLocal creates a local provider over the given builder.
func NewLocal(name string, builder *index.Builder) *Local {
	return &Local{name: name, builder: builder}
}

func (l *Local) Name() string {
	return l.name
}

func (l *Local) Type() resources.ProviderType {
	return resources.ProviderTypeLocal
}

// ListIndex builds (or returns the memoized) index. An unreadable root is
// fatal to this call but must not take down the registry.
func (l *Local) ListIndex(ctx context.Context) (resources.Index, error) {
	start := time.Now()
	idx, err := l.builder.Build(ctx)
	l.recordRequest(time.Since(start))
	if err != nil {
		return nil, &resources.ProviderUnavailableError{Provider: l.name, Reason: err.Error()}
	}
	return idx, nil
}

// FetchContent resolves a static URI against the index and returns the
// document body.
func (l *Local) FetchContent(ctx context.Context, uri string) (string, error) {
	start := time.Now()
	defer func() { l.recordRequest(time.Since(start)) }()

	idx, err := l.builder.Build(ctx)
	if err != nil {
		return "", &resources.ProviderUnavailableError{Provider: l.name, Reason: err.Error()}
	}
	if frag, ok := idx.ByURI(uri); ok {
		return frag.Body, nil
	}
	parsed, err := resources.ParseURI(uri)
	if err == nil {
		if frag, ok := idx.ByID(parsed.Category, parsed.ID); ok {
			return frag.Body, nil
		}
	}
	return "", &resources.NotFoundError{URI: uri}
}

// HealthCheck reports healthy when the root is readable.
func (l *Local) HealthCheck(ctx context.Context) resources.ProviderHealth {
	start := time.Now()
	status := resources.StatusHealthy
	if _, err := os.ReadDir(l.builder.Root()); err != nil {
		status = resources.StatusUnavailable
	}
	return resources.ProviderHealth{
		Status:         status,
		LastCheckedAt:  start,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
}

// Refresh drops the memoized index and rebuilds it.
func (l *Local) Refresh(ctx context.Context) error {
	l.builder.Invalidate()
	_, err := l.builder.Build(ctx)
	return err
}

// Stats returns a snapshot of the accumulated counters.
func (l *Local) Stats() resources.ProviderStats {
	return l.snapshot()
}
