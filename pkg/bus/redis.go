package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Sentria-Labs/sentria/pkg/envelope"
	"github.com/Sentria-Labs/sentria/pkg/retry"
)

const (
	streamField = "envelope"
	// claimMinIdle is how long a pending entry may sit with a dead
	// consumer before another consumer claims it.
	claimMinIdle = time.Minute
	readBlock    = 5 * time.Second
)

// RedisConfig configures the Streams-backed bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefetch bounds how many entries one XREADGROUP call takes.
	Prefetch int
	// MaxLen caps each stream (approximate trimming).
	MaxLen int64
}

// RedisBus is the production fabric: one Redis stream per topic, one
// consumer group per pipeline stage, XACK after final disposition so a
// crash between publish and ack redelivers (at-least-once).
type RedisBus struct {
	dispatcher

	rdb      *redis.Client
	consumer string
	prefetch int64
	maxLen   int64

	cancel context.CancelFunc
	root   context.Context
	wg     sync.WaitGroup
}

// NewRedisBus connects the client; the connection is verified lazily on
// first use so a node can start before its broker.
func NewRedisBus(cfg RedisConfig, policy retry.Policy, log *slog.Logger) *RedisBus {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}
	host, _ := os.Hostname()
	root, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		dispatcher: newDispatcher(policy, log),
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		prefetch: int64(cfg.Prefetch),
		maxLen:   cfg.MaxLen,
		root:     root,
		cancel:   cancel,
	}
}

// Ping verifies broker reachability; the doctor command uses it.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return &TransientError{Op: "redis ping", Err: err}
	}
	return nil
}

// Publish appends the envelope to the topic's stream.
func (b *RedisBus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{streamField: string(raw)},
	}).Err()
	if err != nil {
		return &TransientError{Op: "xadd " + topic, Err: err}
	}
	return nil
}

// Subscribe joins the consumer group on the topic's stream, reclaiming
// entries abandoned by dead consumers before reading new ones.
func (b *RedisBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &TransientError{Op: "xgroup create " + topic, Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-b.root.Done()
		cancel()
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		b.claimAbandoned(loopCtx, topic, group, h)
		b.consumeLoop(loopCtx, topic, group, h)
	}()
	return nil
}

func (b *RedisBus) claimAbandoned(ctx context.Context, topic, group string, h Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: b.consumer,
			MinIdle:  claimMinIdle,
			Start:    start,
			Count:    b.prefetch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				b.log.Warn("xautoclaim failed", "topic", topic, "err", err)
			}
			return
		}
		for _, m := range msgs {
			b.handleEntry(ctx, topic, group, m, h)
		}
		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (b *RedisBus) consumeLoop(ctx context.Context, topic, group string, h Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{topic, ">"},
			Count:    b.prefetch,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.log.Warn("xreadgroup failed", "topic", topic, "err", err)
			if serr := b.sleep(ctx, time.Second); serr != nil {
				return
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				b.handleEntry(ctx, topic, group, m, h)
			}
		}
	}
}

// handleEntry processes one stream entry and acknowledges it when the
// disposition is final. A skipped ack leaves the entry pending for
// redelivery, preserving at-least-once semantics.
func (b *RedisBus) handleEntry(ctx context.Context, topic, group string, m redis.XMessage, h Handler) {
	raw, ok := m.Values[streamField].(string)
	if !ok {
		// Not ours; acknowledge so it cannot wedge the group.
		b.log.Error("stream entry without envelope field", "topic", topic, "id", m.ID)
		b.ack(ctx, topic, group, m.ID)
		return
	}
	if b.process(ctx, b, topic, group, []byte(raw), h) {
		b.ack(ctx, topic, group, m.ID)
	}
}

func (b *RedisBus) ack(ctx context.Context, topic, group, id string) {
	if err := b.rdb.XAck(ctx, topic, group, id).Err(); err != nil && ctx.Err() == nil {
		b.log.Error("xack failed", "topic", topic, "id", id, "err", err)
	}
}

// Close stops the consumer loops, waits for in-flight handlers up to the
// ctx deadline, then closes the client.
func (b *RedisBus) Close(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := b.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
