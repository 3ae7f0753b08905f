package provider

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

// rateBucket enforces a provider's per-minute/per-hour limits client-side.
// The bucket is provider-private; concurrent callers serialize on its lock.
type rateBucket struct {
	mu     sync.Mutex
	minute *rate.Limiter
	hour   *rate.Limiter
}

func newRateBucket(cfg resources.RateLimitConfig) *rateBucket {
	b := &rateBucket{}
	b.configure(cfg)
	return b
}

func (b *rateBucket) configure(cfg resources.RateLimitConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minute = nil
	b.hour = nil
	if cfg.PerMinute > 0 {
		b.minute = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute)
	}
	if cfg.PerHour > 0 {
		b.hour = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.PerHour)), cfg.PerHour)
	}
}

// allow consumes one token from both windows, or neither. It never blocks.
func (b *rateBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.minute != nil && b.minute.TokensAt(now) < 1 {
		return false
	}
	if b.hour != nil && b.hour.TokensAt(now) < 1 {
		return false
	}
	if b.minute != nil {
		b.minute.AllowN(now, 1)
	}
	if b.hour != nil {
		b.hour.AllowN(now, 1)
	}
	return true
}

// remaining reports the smaller of the two windows' whole tokens. Unlimited
// buckets report -1.
func (b *rateBucket) remaining(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.minute == nil && b.hour == nil {
		return -1
	}
	remaining := int(^uint(0) >> 1)
	if b.minute != nil {
		if n := int(b.minute.TokensAt(now)); n < remaining {
			remaining = n
		}
	}
	if b.hour != nil {
		if n := int(b.hour.TokensAt(now)); n < remaining {
			remaining = n
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// resetAt estimates when the next token becomes available.
func (b *rateBucket) resetAt(now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	var reset time.Time
	if b.minute != nil && b.minute.TokensAt(now) < 1 {
		reset = now.Add(time.Duration(float64(time.Second) / float64(b.minute.Limit())))
	}
	if b.hour != nil && b.hour.TokensAt(now) < 1 {
		if hourReset := now.Add(time.Duration(float64(time.Second) / float64(b.hour.Limit()))); hourReset.After(reset) {
			reset = hourReset
		}
	}
	return reset
}
