// Package ratelimiter throttles outbound chat operations with one token
// bucket per conversation key.
package ratelimiter

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	sweepEvery     = 512
)

// MapLimiter keeps a bucket per key. Buckets unused for the idle TTL are
// dropped and start full on the next call. A nil MapLimiter allows everything.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *ttlcache.Cache[string, *rate.Limiter]
	calls   atomic.Uint64
}

// New returns nil when rps or burst is not positive.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &MapLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		buckets: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](idleTTL),
		),
	}
}

func (l *MapLimiter) Allow(key string, now time.Time) bool {
	ok, _ := l.AllowAt(key, now)
	return ok
}

// AllowAt consumes one token for key. When the bucket is empty it reports
// how long until the next token.
func (l *MapLimiter) AllowAt(key string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true, 0
	}
	bucket := l.bucket(key)
	if bucket.AllowN(now, 1) {
		return true, 0
	}
	r := bucket.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	defer r.CancelAt(now)
	return false, r.DelayFrom(now)
}

// Forget drops the bucket for key, e.g. when a conversation is deleted.
func (l *MapLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.buckets.Delete(strings.TrimSpace(key))
}

func (l *MapLimiter) bucket(key string) *rate.Limiter {
	if l.calls.Add(1)%sweepEvery == 0 {
		l.buckets.DeleteExpired()
	}
	if item := l.buckets.Get(key); item != nil {
		return item.Value()
	}
	item, _ := l.buckets.GetOrSet(key, rate.NewLimiter(l.limit, l.burst))
	return item.Value()
}
