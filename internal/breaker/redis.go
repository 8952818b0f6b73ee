package breaker

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// allowScript transitions open -> half-open after the cooldown and reserves
// the single trial slot atomically. The reservation carries a timestamp: a
// trial whose Record never arrived is handed to a new claimant after one
// cooldown. Returns {allowed, trial, retryAfterMs}.
var allowScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state or state == "closed" then
  return {1, 0, 0}
end
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
if state == "open" then
  local opened = tonumber(redis.call("HGET", KEYS[1], "opened_at") or "0")
  local remaining = opened + cooldown - now
  if remaining > 0 then
    return {0, 0, remaining}
  end
  redis.call("HMSET", KEYS[1], "state", "half-open", "trial", "1", "trial_at", now)
  return {1, 1, 0}
end
-- half-open
local trial = redis.call("HGET", KEYS[1], "trial")
if trial == "1" then
  local trialAt = tonumber(redis.call("HGET", KEYS[1], "trial_at") or "0")
  local remaining = trialAt + cooldown - now
  if remaining > 0 then
    return {0, 0, remaining}
  end
end
redis.call("HMSET", KEYS[1], "trial", "1", "trial_at", now)
return {1, 1, 0}
`)

// recordScript appends the outcome to the rolling window and applies the
// state transitions. ARGV: failed(0/1), trial(0/1), windowSize,
// failuresToOpen, nowMs.
var recordScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state") or "closed"
local failed = ARGV[1] == "1"
local trial = ARGV[2] == "1"
if trial or state == "half-open" then
  redis.call("HSET", KEYS[1], "trial", "0")
  if failed then
    redis.call("HMSET", KEYS[1], "state", "open", "opened_at", ARGV[5])
  else
    redis.call("HSET", KEYS[1], "state", "closed")
    redis.call("DEL", KEYS[2])
  end
  return redis.call("HGET", KEYS[1], "state")
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("LTRIM", KEYS[2], -tonumber(ARGV[3]), -1)
if state == "closed" and failed then
  local outcomes = redis.call("LRANGE", KEYS[2], 0, -1)
  local failures = 0
  for _, o in ipairs(outcomes) do
    if o == "1" then failures = failures + 1 end
  end
  if failures >= tonumber(ARGV[4]) then
    redis.call("HMSET", KEYS[1], "state", "open", "opened_at", ARGV[5])
  end
end
return redis.call("HGET", KEYS[1], "state") or "closed"
`)

var _ Breaker = (*RedisBreaker)(nil)

// RedisBreaker shares circuit state across dispatcher replicas. State reads
// and writes are single Lua evaluations, so replicas never see a torn
// transition; a stale read only delays failover by one cycle.
type RedisBreaker struct {
	client *goredis.Client
	cfg    Config
	now    func() time.Time
}

func NewRedisBreaker(client *goredis.Client, cfg Config) (*RedisBreaker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.WindowSize < 1 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}

	return &RedisBreaker{client: client, cfg: cfg, now: time.Now}, nil
}

func (b *RedisBreaker) Allow(ctx context.Context, provider string) (Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	stateKey, windowKey, err := breakerKeys(provider)
	if err != nil {
		return Decision{}, err
	}

	values, err := allowScript.Run(ctx, b.client,
		[]string{stateKey, windowKey},
		b.now().UnixMilli(),
		b.cfg.Cooldown.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate breaker allow: %w", err)
	}
	if len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected breaker allow reply: %v", values)
	}

	return Decision{
		Allowed:    values[0] == 1,
		Trial:      values[1] == 1,
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}

func (b *RedisBreaker) Record(ctx context.Context, provider string, success bool, trial bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stateKey, windowKey, err := breakerKeys(provider)
	if err != nil {
		return err
	}

	err = recordScript.Run(ctx, b.client,
		[]string{stateKey, windowKey},
		boolArg(!success),
		boolArg(trial),
		b.cfg.WindowSize,
		b.cfg.failuresToOpen(),
		b.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to record breaker outcome: %w", err)
	}
	return nil
}

func (b *RedisBreaker) State(ctx context.Context, provider string) (State, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	stateKey, _, err := breakerKeys(provider)
	if err != nil {
		return "", err
	}

	value, err := b.client.HGet(ctx, stateKey, "state").Result()
	if err == goredis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read breaker state: %w", err)
	}
	return State(value), nil
}

func breakerKeys(provider string) (string, string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", "", fmt.Errorf("provider name is required")
	}
	return "breaker:" + provider, "breaker:" + provider + ":window", nil
}

func boolArg(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
