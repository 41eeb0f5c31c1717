package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Requires a local Redis; skipped when unreachable.
func TestRedisStore_Integration(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer rdb.Close()

	s := NewRedisStore(rdb)
	fp := "test:" + uuid.NewString()

	seen, err := s.Seen(ctx, fp, time.Minute)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("fresh fingerprint reported as seen")
	}
	seen, err = s.Seen(ctx, fp, time.Minute)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if !seen {
		t.Fatal("repeat fingerprint not reported as seen")
	}
	rdb.Del(ctx, redisKeyPrefix+fp)
}
