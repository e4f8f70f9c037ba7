// Package ratelimit provides fixed-window counters over the shared KV store
// plus an in-process smoother for hot endpoints. Limit checks fail open:
// a down counter store must not take authentication with it.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/storage"
)

// Decision is the outcome of one limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts events in fixed windows shared across instances.
type Limiter struct {
	kv  storage.KeyValue
	log *common.Logger
}

func NewLimiter(kv storage.KeyValue, log *common.Logger) *Limiter {
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Limiter{kv: kv, log: log}
}

// windowKey buckets key into the current fixed window so counters reset on
// window boundaries without coordination.
func windowKey(key string, window time.Duration, now time.Time) string {
	bucket := now.UnixNano() / int64(window)
	return fmt.Sprintf("rate:%s:%d", key, bucket)
}

func blockKey(key string) string { return "rate:block:" + key }

// Allow spends one unit from the window for key. A limit of zero or less
// disables the check.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	now := time.Now()
	count, err := l.kv.Incr(ctx, windowKey(key, window, now), window)
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("Rate counter unavailable, allowing")
		return Decision{Allowed: true, Remaining: -1}
	}
	if count > int64(limit) {
		return Decision{Allowed: false, RetryAfter: window - time.Duration(now.UnixNano()%int64(window))}
	}
	return Decision{Allowed: true, Remaining: limit - int(count)}
}

// AllowWithBlock adds a penalty box: tripping the window limit blocks the
// key for the block duration, and blocked keys fail immediately.
func (l *Limiter) AllowWithBlock(ctx context.Context, key string, limit int, window, block time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	if _, err := l.kv.Get(ctx, blockKey(key)); err == nil {
		return Decision{Allowed: false, RetryAfter: block}
	}

	d := l.Allow(ctx, key, limit, window)
	if !d.Allowed && block > 0 {
		if err := l.kv.Set(ctx, blockKey(key), "1", block); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("Could not set rate block")
		}
		d.RetryAfter = block
	}
	return d
}

// Reset clears the block marker for key. Admin unblock paths use it.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.kv.Delete(ctx, blockKey(key))
}

// Smoother is a per-process token bucket for endpoints that also carry a
// shared window limit; it sheds bursts before they reach the KV store.
type Smoother struct {
	limiter *rate.Limiter
}

// NewSmoother allows sustained perSecond events with the given burst.
func NewSmoother(perSecond float64, burst int) *Smoother {
	return &Smoother{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether one more event fits the local budget.
func (s *Smoother) Allow() bool {
	return s.limiter.Allow()
}
