// Package bus is the message fabric boundary: competing-consumer
// subscriptions with bounded prefetch, transient-failure retry with
// deterministic backoff, and dead-lettering for messages that cannot be
// processed. Two implementations ship: an in-process bus for tests and
// single-node runs, and a Redis Streams bus for everything else.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/envelope"
	"github.com/Sentria-Labs/sentria/pkg/retry"
)

// Handler processes one envelope. A nil return acknowledges the message.
// A plain error is treated as transient and retried under the bus policy;
// wrap with Permanent to dead-letter immediately.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Bus publishes and subscribes envelopes by topic. Subscribe registers a
// competing consumer in the named group and returns once the consumer
// loop is running; delivery stops when ctx is canceled or the bus closes.
type Bus interface {
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close(ctx context.Context) error
}

// TransientError marks a fabric operation that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a message that must not be retried; the consumer
// loop routes it straight to the dead-letter topic under Kind.
type PermanentError struct {
	Kind string
	Err  error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the consumer loop dead-letters without retrying.
func Permanent(kind string, err error) error {
	return &PermanentError{Kind: kind, Err: err}
}

// errorKind names an error for the dead-letter record.
func errorKind(err error) string {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm.Kind
	}
	return "MQTransientError"
}

// dispatcher holds the pieces both bus implementations share: the retry
// policy, logging, and the handler execution loop.
type dispatcher struct {
	policy retry.Policy
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newDispatcher(policy retry.Policy, log *slog.Logger) dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return dispatcher{policy: policy, log: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runHandler executes h with the retry schedule. It returns nil on
// success, the terminal error once retries are exhausted or the error is
// permanent, and the attempt count that was reached.
func (d *dispatcher) runHandler(ctx context.Context, topic string, env *envelope.Envelope, h Handler) (int, error) {
	attempt := 0
	for {
		err := d.invoke(ctx, env, h)
		if err == nil {
			return attempt, nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, err
		}

		attempt++
		if d.policy.Exhausted(attempt) {
			return attempt, err
		}
		delay := d.policy.Backoff(topic, env.MessageID, attempt-1)
		d.log.Warn("handler failed, retrying",
			"topic", topic, "message_id", env.MessageID,
			"attempt", attempt, "backoff", delay, "err", err)
		if serr := d.sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
}

// invoke shields the consumer loop from handler panics; a panic is a
// permanent failure of this message, not of the process.
func (d *dispatcher) invoke(ctx context.Context, env *envelope.Envelope, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent("PanicError", fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, env)
}

// process runs the full consume path for one raw message: frame parse,
// handler with retries, dead-lettering. It reports whether the message
// may be acknowledged; false means the broker should redeliver.
func (d *dispatcher) process(ctx context.Context, pub Bus, topic, group string, raw []byte, h Handler) bool {
	env, err := envelope.Parse(raw)
	if err != nil {
		return d.deadLetterRaw(ctx, pub, topic, group, raw, err)
	}

	attempts, err := d.runHandler(ctx, topic, env, h)
	if err == nil {
		return true
	}
	if topic == envelope.TopicAlertDeadLetter {
		// Never dead-letter the dead-letter topic; log and move on.
		d.log.Error("dead-letter consumer failed", "message_id", env.MessageID, "err", err)
		return true
	}

	dl, derr := envelope.NewDeadLetter(env, errorKind(err), err.Error(), group, attempts)
	if derr != nil {
		d.log.Error("build dead letter", "message_id", env.MessageID, "err", derr)
		return false
	}
	if perr := pub.Publish(ctx, envelope.TopicAlertDeadLetter, dl); perr != nil {
		d.log.Error("publish dead letter", "message_id", env.MessageID, "err", perr)
		return false
	}
	d.log.Warn("message dead-lettered",
		"topic", topic, "message_id", env.MessageID,
		"kind", errorKind(err), "attempts", attempts)
	return true
}

func (d *dispatcher) deadLetterRaw(ctx context.Context, pub Bus, topic, group string, raw []byte, cause error) bool {
	if topic == envelope.TopicAlertDeadLetter {
		d.log.Error("unreadable message on dead-letter topic", "err", cause)
		return true
	}
	dl, err := envelope.NewDeadLetterRaw(raw, "EnvelopeError", cause.Error(), group)
	if err != nil {
		d.log.Error("build raw dead letter", "err", err)
		return false
	}
	if err := pub.Publish(ctx, envelope.TopicAlertDeadLetter, dl); err != nil {
		d.log.Error("publish raw dead letter", "err", err)
		return false
	}
	return true
}
