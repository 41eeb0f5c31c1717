// Package envelope defines the wire contract every inter-stage message is
// wrapped in, the topic names, and the validation applied on consume.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names of the message fabric.
const (
	TopicAlertRaw        = "alert.raw"
	TopicAlertNormalized = "alert.normalized"
	TopicAlertDeadLetter = "alert.dead_letter"
	TopicTriageResult    = "triage.result"
	TopicIntelQuery      = "threat_intel.query"
)

// Version is the envelope wire version stamped on every message.
const Version = "1.0"

// Envelope is the JSON frame around every payload. correlation_id carries
// the alert_id for alert-bearing messages so one alert can be traced
// across topics.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	MessageType   string          `json:"message_type"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       string          `json:"version"`
	Payload       json.RawMessage `json:"payload"`
}

// New wraps a payload for the given topic. The message id is a fresh UUID;
// the timestamp is wall clock UTC.
func New(messageType, correlationID string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Envelope{
		MessageID:     uuid.NewString(),
		MessageType:   messageType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Version:       Version,
		Payload:       body,
	}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.MessageType, err)
	}
	return nil
}

// Parse reads an envelope off the wire, checking the JSON schema and the
// version compatibility rule. It does not inspect the payload.
func Parse(raw []byte) (*Envelope, error) {
	if err := ValidateBytes(raw); err != nil {
		return nil, err
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if err := CheckVersion(e.Version); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeadLetter is the alert.dead_letter payload: the original envelope
// verbatim plus the error that removed it from the pipeline.
type DeadLetter struct {
	Original     json.RawMessage `json:"original"`
	ErrorKind    string          `json:"error_kind"`
	ErrorMessage string          `json:"error_message"`
	Stage        string          `json:"stage,omitempty"`
	Attempts     int             `json:"attempts,omitempty"`
}

// NewDeadLetter frames a failed envelope for the dead-letter topic,
// preserving the original correlation id.
func NewDeadLetter(original *Envelope, errorKind, errorMessage, stage string, attempts int) (*Envelope, error) {
	orig, err := original.Encode()
	if err != nil {
		return nil, err
	}
	return New(TopicAlertDeadLetter, original.CorrelationID, DeadLetter{
		Original:     orig,
		ErrorKind:    errorKind,
		ErrorMessage: errorMessage,
		Stage:        stage,
		Attempts:     attempts,
	})
}

// NewDeadLetterRaw frames bytes that never parsed into an envelope. The
// original is preserved verbatim; JSON-incompatible bytes are stored
// re-encoded as a JSON string.
func NewDeadLetterRaw(raw []byte, errorKind, errorMessage, stage string) (*Envelope, error) {
	orig := json.RawMessage(raw)
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return nil, fmt.Errorf("quote dead-letter original: %w", err)
		}
		orig = quoted
	}
	return New(TopicAlertDeadLetter, "", DeadLetter{
		Original:     orig,
		ErrorKind:    errorKind,
		ErrorMessage: errorMessage,
		Stage:        stage,
	})
}
