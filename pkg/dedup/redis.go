package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sentria:dedup:"

// RedisStore shares fingerprints across replicas. SET NX with the
// lookback as TTL gives the same atomic check-and-record as the memory
// store; Redis expiry replaces LRU eviction.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Seen implements Store.
func (s *RedisStore) Seen(ctx context.Context, fp string, lookback time.Duration) (bool, error) {
	created, err := s.rdb.SetNX(ctx, redisKeyPrefix+fp, "1", lookback).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
