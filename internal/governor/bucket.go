// Package governor gates admissions against per-scope token buckets and the
// tenant budget ledger. Bucket check-and-consume is a single atomic operation
// so concurrent admissions for the same key cannot both pass a last token.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/notifyops/notify-core/internal/policy"
)

// TakeResult is the outcome of one bucket consume.
type TakeResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// BucketStore is the shared token-bucket backend. The effective bucket size
// is capacity+burst, refilled at capacity/window, and never above maxCap.
type BucketStore interface {
	Take(ctx context.Context, key string, cfg policy.RateLimitConfig, tokens int, extended bool) (TakeResult, error)
}

type memoryBucket struct {
	tokens     float64
	refilledAt time.Time
}

// MemoryBucketStore mirrors the Redis bucket semantics in-process; used in
// tests and single-node setups.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (s *MemoryBucketStore) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *MemoryBucketStore) Take(ctx context.Context, key string, cfg policy.RateLimitConfig, tokens int, extended bool) (TakeResult, error) {
	if err := ctx.Err(); err != nil {
		return TakeResult{}, err
	}

	size, refillRate := bucketParams(cfg, extended)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bucket, ok := s.buckets[key]
	if !ok {
		bucket = &memoryBucket{tokens: size, refilledAt: now}
		s.buckets[key] = bucket
	} else {
		elapsed := now.Sub(bucket.refilledAt).Seconds()
		if elapsed > 0 {
			bucket.tokens += elapsed * refillRate
			if bucket.tokens > size {
				bucket.tokens = size
			}
		}
		bucket.refilledAt = now
	}

	need := float64(tokens)
	if bucket.tokens < need {
		deficit := need - bucket.tokens
		retryAfter := time.Duration(deficit / refillRate * float64(time.Second))
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return TakeResult{RetryAfter: retryAfter}, nil
	}

	bucket.tokens -= need
	return TakeResult{Allowed: true}, nil
}

// bucketParams derives the effective bucket size and per-second refill rate.
// extended raises the ceiling for override-carrying requests, capped at the
// absolute max that no override may exceed.
func bucketParams(cfg policy.RateLimitConfig, extended bool) (size float64, refillRate float64) {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}

	size = float64(capacity + cfg.Burst)
	if extended && cfg.AbsoluteMax > 0 && float64(cfg.AbsoluteMax) > size {
		size = float64(cfg.AbsoluteMax)
	}
	if cfg.AbsoluteMax > 0 && size > float64(cfg.AbsoluteMax) {
		size = float64(cfg.AbsoluteMax)
	}

	refillRate = float64(capacity) / window.Seconds()
	return size, refillRate
}
