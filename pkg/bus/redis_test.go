package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Sentria-Labs/sentria/pkg/envelope"
)

// TestRedisBus_Integration requires a running Redis; it is skipped when
// the broker is unreachable.
func TestRedisBus_Integration(t *testing.T) {
	b := NewRedisBus(RedisConfig{Addr: "localhost:6379"}, testPolicy(), slog.Default())
	ctx := context.Background()
	if err := b.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	// Unique topic per run so stale streams cannot interfere.
	topic := "test.bus." + uuid.NewString()[:8]

	got := make(chan *envelope.Envelope, 1)
	err := b.Subscribe(ctx, topic, "itest", func(_ context.Context, env *envelope.Envelope) error {
		got <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env, err := envelope.New(topic, "ALT-R1", map[string]any{"source": "splunk"})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	if err := b.Publish(ctx, topic, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case delivered := <-got:
		if delivered.CorrelationID != "ALT-R1" {
			t.Errorf("correlation = %s", delivered.CorrelationID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("message not delivered")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
