// Package provider defines the resource provider contract and its
// implementations: the local filesystem catalog, a curated HTTP template
// API, and a GitHub-hosted repository. The registry depends only on the
// Provider interface.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// Provider is a resource source exposing the common query contract.
type Provider interface {
	Name() string
	Type() resources.ProviderType

	// ListIndex returns the provider's full resource index.
	ListIndex(ctx context.Context) (resources.Index, error)
	// FetchContent resolves a static resource URI to the document body.
	FetchContent(ctx context.Context, uri string) (string, error)
	// HealthCheck probes the provider and reports the observation. The
	// registry owns the canonical health state machine built from these
	// observations.
	HealthCheck(ctx context.Context) resources.ProviderHealth
	// Stats returns a snapshot of the provider's accumulated counters.
	Stats() resources.ProviderStats
}

// CacheRecorder is implemented by providers that track content cache
// outcomes observed at the loader.
type CacheRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// RateLimitUpdater is implemented by providers with a client-side token
// bucket. Updates take effect on the next call.
type RateLimitUpdater interface {
	UpdateRateLimits(resources.RateLimitConfig)
}

// Refresher is implemented by providers whose index can be rebuilt on
// demand.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// StatsClearer is implemented by providers whose counters support the
// explicit clear operation.
type StatsClearer interface {
	Clear()
}

// statsRecorder accumulates the ProviderStats counters. All providers embed
// it; counters are monotonic and reset only by Clear.
type statsRecorder struct {
	mu              sync.Mutex
	totalRequests   int64
	cacheHits       int64
	cacheMisses     int64
	totalResponseMs float64
	timedRequests   int64
	rateRemaining   int
	rateResetAt     time.Time
	rateKnown       bool
}

func (s *statsRecorder) recordRequest(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.timedRequests++
	s.totalResponseMs += float64(d.Milliseconds())
}

// RecordCacheHit counts a request answered from the content cache without
// reaching the provider.
func (s *statsRecorder) RecordCacheHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.cacheHits++
}

// RecordCacheMiss counts a cache miss; the provider fetch that follows
// records the request itself.
func (s *statsRecorder) RecordCacheMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheMisses++
}

func (s *statsRecorder) recordRateLimit(remaining int, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateRemaining = remaining
	s.rateResetAt = resetAt
	s.rateKnown = true
}

// Clear resets every counter. Exposed for the explicit clear operation
// only; nothing resets stats implicitly.
func (s *statsRecorder) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests = 0
	s.cacheHits = 0
	s.cacheMisses = 0
	s.totalResponseMs = 0
	s.timedRequests = 0
	s.rateRemaining = 0
	s.rateResetAt = time.Time{}
	s.rateKnown = false
}

func (s *statsRecorder) snapshot() resources.ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := resources.ProviderStats{
		TotalRequests:      s.totalRequests,
		CacheHits:          s.cacheHits,
		CacheMisses:        s.cacheMisses,
		RateLimitRemaining: s.rateRemaining,
		RateLimitResetAt:   s.rateResetAt,
	}
	if s.timedRequests > 0 {
		stats.AvgResponseTimeMs = s.totalResponseMs / float64(s.timedRequests)
	}
	return stats
}
