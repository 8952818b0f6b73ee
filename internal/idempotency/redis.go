package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps idempotency records in Redis so all admission-gateway
// replicas observe the same first-writer-wins outcome. Begin relies on
// SET NX GET being a single atomic command.
type RedisStore struct {
	client *goredis.Client
}

func NewRedisStore(client *goredis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Begin(ctx context.Context, tenant, key string, outcome []byte, ttl time.Duration) (bool, Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	redisKey, err := storeKey(tenant, key)
	if err != nil {
		return false, Record{}, err
	}
	if ttl <= 0 {
		return false, Record{}, fmt.Errorf("idempotency ttl must be positive")
	}

	prev, err := s.client.SetArgs(ctx, redisKey, string(outcome), goredis.SetArgs{
		Mode: "NX",
		Get:  true,
		TTL:  ttl,
	}).Result()
	if err == goredis.Nil {
		// NX+GET returns nil when the key was absent and has now been set.
		return true, Record{}, nil
	}
	if err != nil {
		return false, Record{}, fmt.Errorf("failed to create idempotency record: %w", err)
	}

	return false, Record{Outcome: []byte(prev)}, nil
}

func (s *RedisStore) Complete(ctx context.Context, tenant, key string, outcome []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	redisKey, err := storeKey(tenant, key)
	if err != nil {
		return err
	}

	// XX + KEEPTTL: only update live records and do not extend the window.
	err = s.client.SetArgs(ctx, redisKey, string(outcome), goredis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err == goredis.Nil {
		// Record expired before completion; nothing to update.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tenant, key string) (Record, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	redisKey, err := storeKey(tenant, key)
	if err != nil {
		return Record{}, false, err
	}

	value, err := s.client.Get(ctx, redisKey).Result()
	if err == goredis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	return Record{Outcome: []byte(value)}, true, nil
}

func (s *RedisStore) Remove(ctx context.Context, tenant, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	redisKey, err := storeKey(tenant, key)
	if err != nil {
		return err
	}

	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("failed to remove idempotency record: %w", err)
	}
	return nil
}

func storeKey(tenant, key string) (string, error) {
	tenant = strings.TrimSpace(tenant)
	key = strings.TrimSpace(key)
	if tenant == "" || key == "" {
		return "", fmt.Errorf("tenant and idempotency key are required")
	}
	return fmt.Sprintf("idem:%s:%s", tenant, key), nil
}
