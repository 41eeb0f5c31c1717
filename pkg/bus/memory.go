package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Sentria-Labs/sentria/pkg/envelope"
	"github.com/Sentria-Labs/sentria/pkg/retry"
)

// MemoryBus is a channel-backed fabric for tests and single-process runs.
// Groups on the same topic each receive every message; consumers within a
// group compete for them. Buffers are bounded; Publish blocks when a
// group's buffer is full, mirroring broker backpressure.
type MemoryBus struct {
	dispatcher

	mu     sync.RWMutex
	topics map[string]map[string]chan []byte
	buffer int

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMemoryBus creates an in-process bus with the given per-group buffer.
func NewMemoryBus(buffer int, policy retry.Policy, log *slog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 50
	}
	return &MemoryBus{
		dispatcher: newDispatcher(policy, log),
		topics:     make(map[string]map[string]chan []byte),
		buffer:     buffer,
		closed:     make(chan struct{}),
	}
}

func (b *MemoryBus) group(topic, group string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]chan []byte)
		b.topics[topic] = groups
	}
	ch, ok := groups[group]
	if !ok {
		ch = make(chan []byte, b.buffer)
		groups[group] = ch
	}
	return ch
}

// Publish delivers the envelope to every group subscribed on the topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	b.mu.RLock()
	groups := make([]chan []byte, 0, len(b.topics[topic]))
	for _, ch := range b.topics[topic] {
		groups = append(groups, ch)
	}
	b.mu.RUnlock()

	if len(groups) == 0 {
		b.log.Debug("publish with no subscribers", "topic", topic)
		return nil
	}
	for _, ch := range groups {
		select {
		case ch <- raw:
		case <-ctx.Done():
			return &TransientError{Op: "memory publish " + topic, Err: ctx.Err()}
		case <-b.closed:
			return &TransientError{Op: "memory publish " + topic, Err: context.Canceled}
		}
	}
	return nil
}

// Subscribe starts a consumer in the group; messages are handled one at a
// time per consumer.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	ch := b.group(topic, group)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				// Drain what is already buffered, then stop.
				for {
					select {
					case raw := <-ch:
						b.process(ctx, b, topic, group, raw, h)
					default:
						return
					}
				}
			case raw := <-ch:
				b.process(ctx, b, topic, group, raw, h)
			}
		}
	}()
	return nil
}

// Close stops consumers after they drain buffered messages, waiting up to
// ctx's deadline.
func (b *MemoryBus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.closed) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
