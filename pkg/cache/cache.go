// Package cache provides the URI-keyed content cache for resolved document
// bodies. Entries carry a per-entry TTL checked lazily on lookup; nothing
// sweeps the cache proactively. The LRU bound keeps memory flat when a
// provider serves a large catalog.
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// DefaultSize is the LRU capacity when none is configured.
const DefaultSize = 512

type entry struct {
	content   string
	fetchedAt time.Time
	ttl       time.Duration
}

// Cache is a bounded, TTL-aware content cache. Concurrent writes to the
// same URI resolve last-write-wins; a duplicate fetch is wasteful but not
// unsafe.
type Cache struct {
	entries *lru.Cache[string, entry]
	clock   func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects a clock, used by tests to control TTL expiry.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// New creates a cache bounded to size entries; size <= 0 uses DefaultSize.
func New(size int, opts ...Option) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create content cache")
	}
	c := &Cache{entries: entries, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached content for uri. An entry past its TTL is evicted
// here and reported as a miss.
func (c *Cache) Get(uri string) (string, bool) {
	e, ok := c.entries.Get(uri)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	if e.ttl > 0 && c.clock().Sub(e.fetchedAt) > e.ttl {
		c.entries.Remove(uri)
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return e.content, true
}

// Put stores content for uri with the given TTL. A zero TTL means the entry
// never expires (it can still be evicted by the LRU bound).
func (c *Cache) Put(uri, content string, ttl time.Duration) {
	c.entries.Add(uri, entry{content: content, fetchedAt: c.clock(), ttl: ttl})
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(uri string) {
	c.entries.Remove(uri)
}

// Purge removes every entry. Counters are not reset.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Len returns the number of live entries, including any not yet evicted
// expired ones.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Counters returns the accumulated hit and miss counts.
func (c *Cache) Counters() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
