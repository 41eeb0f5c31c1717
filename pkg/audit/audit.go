// Package audit records the pipeline decisions that remove or degrade an
// alert: duplicate suppressions, rule suppressions, dead letters, and
// fallback verdicts. Events are JSON lines behind an "AUDIT: " prefix so
// log shippers can filter them without parsing.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventDuplicateSuppressed EventType = "alert.duplicate_suppressed"
	EventRuleSuppressed      EventType = "alert.rule_suppressed"
	EventRuleEscalated       EventType = "alert.rule_escalated"
	EventAggregated          EventType = "alert.aggregated"
	EventDeadLetter          EventType = "alert.dead_letter"
	EventFallback            EventType = "triage.fallback"
	EventShutdownDrain       EventType = "pipeline.shutdown_drain"
)

// Event is one structured audit record. AlertID carries the
// (source-scoped) vendor id of the alert the decision was about; Source
// names the vendor feed where one applies.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	AlertID   string         `json:"alert_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Record must be safe for concurrent use;
// failures are the caller's to log, never to act on.
type Logger interface {
	Record(ctx context.Context, t EventType, alertID, source string, metadata map[string]any) error
}

type logger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewLogger returns a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter returns a Logger writing to w; nil falls back to
// os.Stdout. Injecting a writer is how tests capture events.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{w: w, now: time.Now}
}

func (l *logger) Record(_ context.Context, t EventType, alertID, source string, metadata map[string]any) error {
	e := Event{
		ID:        uuid.NewString(),
		Type:      t,
		AlertID:   alertID,
		Source:    source,
		Timestamp: l.now().UTC(),
		Metadata:  metadata,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}

// Nop is a Logger that discards every event; it keeps call sites free of
// nil checks in tests and degraded wiring.
type Nop struct{}

// Record implements Logger.
func (Nop) Record(context.Context, EventType, string, string, map[string]any) error { return nil }
