// Package retry computes the redelivery schedule for transient message
// fabric failures. Jitter is deterministic: the same (topic, message,
// attempt) tuple always yields the same delay, which keeps redelivery
// timing reproducible across restarts and in tests.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is the fabric redelivery schedule: five attempts, one
// second base, half-minute cap.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 1000, MaxMs: 30000, MaxJitterMs: 500, MaxAttempts: 5}
}

// Backoff returns the delay before the given attempt (0-based). The delay
// grows as base*2^attempt up to the cap, plus deterministic jitter seeded
// by topic and message id.
func (p Policy) Backoff(topic, messageID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30 // cap exponent, avoid overflow
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}

	return time.Duration(delay+p.jitter(topic, messageID, attempt)) * time.Millisecond
}

// Exhausted reports whether the attempt counter has used up the policy.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

func (p Policy) jitter(topic, messageID string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", topic, messageID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs checked positive
}
