package governor

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/notifyops/notify-core/internal/policy"
)

// takeScript refills the bucket proportionally to elapsed time and attempts
// the subtraction in one evaluation. ARGV: size, refillRatePerMs, nowMs,
// tokens, expireMs. Returns {allowed, retryAfterMs}.
var takeScript = goredis.NewScript(`
local size = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local need = tonumber(ARGV[4])
local data = redis.call("HMGET", KEYS[1], "tokens", "refilled_at")
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then
  tokens = size
  last = now
end
local elapsed = now - last
if elapsed > 0 then
  tokens = tokens + elapsed * rate
  if tokens > size then tokens = size end
end
if tokens < need then
  redis.call("HMSET", KEYS[1], "tokens", tokens, "refilled_at", now)
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  local wait = math.ceil((need - tokens) / rate)
  if wait < 1 then wait = 1 end
  return {0, wait}
end
tokens = tokens - need
redis.call("HMSET", KEYS[1], "tokens", tokens, "refilled_at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, 0}
`)

var _ BucketStore = (*RedisBucketStore)(nil)

// RedisBucketStore is the distributed token-bucket backend shared by all
// admission-gateway replicas.
type RedisBucketStore struct {
	client *goredis.Client
	now    func() time.Time
}

func NewRedisBucketStore(client *goredis.Client) (*RedisBucketStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisBucketStore{client: client, now: time.Now}, nil
}

func (s *RedisBucketStore) Take(ctx context.Context, key string, cfg policy.RateLimitConfig, tokens int, extended bool) (TakeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(key) == "" {
		return TakeResult{}, fmt.Errorf("bucket key is required")
	}
	if tokens < 1 {
		tokens = 1
	}

	size, refillRate := bucketParams(cfg, extended)

	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	// Idle buckets refill to full within two windows; no need to keep them.
	expire := 2 * window

	values, err := takeScript.Run(ctx, s.client,
		[]string{"bucket:" + key},
		size,
		refillRate/1000.0,
		s.now().UnixMilli(),
		tokens,
		expire.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return TakeResult{}, fmt.Errorf("failed to evaluate token bucket: %w", err)
	}
	if len(values) != 2 {
		return TakeResult{}, fmt.Errorf("unexpected token bucket reply: %v", values)
	}

	return TakeResult{
		Allowed:    values[0] == 1,
		RetryAfter: time.Duration(values[1]) * time.Millisecond,
	}, nil
}
