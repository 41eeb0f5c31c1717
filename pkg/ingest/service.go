// Package ingest is the front half of the pipeline: it consumes
// alert.raw, normalizes vendor payloads into canonical alerts, applies
// suppression/escalation rules, drops duplicates, groups bursts through
// the aggregation window, and publishes survivors on alert.normalized.
// Payloads that cannot be normalized are dead-lettered by the bus, not
// retried; suppressed and duplicate alerts are audited and acknowledged.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/archive"
	"github.com/Sentria-Labs/sentria/pkg/audit"
	"github.com/Sentria-Labs/sentria/pkg/bus"
	"github.com/Sentria-Labs/sentria/pkg/dedup"
	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/envelope"
	"github.com/Sentria-Labs/sentria/pkg/normalize"
	"github.com/Sentria-Labs/sentria/pkg/observability"
	"github.com/Sentria-Labs/sentria/pkg/retry"
	"github.com/Sentria-Labs/sentria/pkg/rules"
)

// Group is the ingest consumer group on alert.raw.
const Group = "ingest"

// emitTimeout bounds window-close publishes, which run outside any
// message handling context.
const emitTimeout = 10 * time.Second

// Config wires the ingest service. Bus and Registry are required;
// Rules, Deduper and Archive are optional stages that disable cleanly
// when nil.
type Config struct {
	Bus      bus.Bus
	Registry *normalize.Registry

	Rules   *rules.Engine
	Deduper *dedup.Deduper

	// Archive receives the raw payload of every consumed message,
	// best-effort.
	Archive *archive.Archive

	Audit audit.Logger
	Obs   *observability.Provider
	Log   *slog.Logger

	// Retry schedules window-close publishes, which run outside the bus
	// dispatcher and so carry their own redelivery policy. Zero value
	// takes retry.DefaultPolicy.
	Retry retry.Policy

	// Aggregation window tuning; zero values take the dedup package
	// defaults.
	Window        time.Duration
	WindowMaxSize int
}

// Service is the alert.raw consumer.
type Service struct {
	cfg    Config
	window *dedup.Window
}

// NewService validates the required collaborators and builds the
// aggregation window.
func NewService(cfg Config) (*Service, error) {
	if cfg.Bus == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("ingest: bus and registry are required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	cfg.Log = cfg.Log.With("component", "ingest")

	s := &Service{cfg: cfg}
	s.window = dedup.NewWindow(cfg.Window, cfg.WindowMaxSize, s.emitNormalized, cfg.Log)
	return s, nil
}

// Run subscribes the service; delivery stops when ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	return s.cfg.Bus.Subscribe(ctx, envelope.TopicAlertRaw, Group, s.handle)
}

// Close flushes the aggregation window so pending groups are emitted
// before shutdown, then records the drain.
func (s *Service) Close(ctx context.Context) {
	pending := s.window.Pending()
	s.window.Close()
	if err := s.cfg.Audit.Record(ctx, audit.EventShutdownDrain, "", "",
		map[string]any{"pending_groups": pending}); err != nil {
		s.cfg.Log.Warn("audit record failed", "err", err)
	}
}

// handle processes one raw alert message.
func (s *Service) handle(ctx context.Context, env *envelope.Envelope) (err error) {
	ctx, done := s.cfg.Obs.TrackOperation(ctx, "ingest.handle")
	defer func() { done(err) }()

	s.archiveRaw(ctx, env)

	var raw map[string]any
	if err := env.Decode(&raw); err != nil {
		return bus.Permanent("NormalizationError", err)
	}
	source, _ := raw["source"].(string)

	alert, err := s.cfg.Registry.Process(ctx, source, raw)
	if err != nil {
		return bus.Permanent(normalizeKind(err), err)
	}

	if d := s.cfg.Rules.Apply(alert); d.Suppress {
		s.audit(ctx, audit.EventRuleSuppressed, alert, map[string]any{"rule": d.Rule})
		s.cfg.Obs.RuleSuppressed(ctx, d.Rule)
		s.cfg.Log.Info("alert suppressed by rule",
			"alert_id", alert.AlertID, "source", alert.Source, "rule", d.Rule)
		return nil
	} else if d.Escalated {
		s.audit(ctx, audit.EventRuleEscalated, alert,
			map[string]any{"rule": d.Rule, "severity": string(alert.Severity)})
	}

	if s.cfg.Deduper != nil {
		fp, dup, derr := s.cfg.Deduper.IsDuplicate(ctx, alert)
		if derr != nil {
			// Dedup backend failures are transient: redeliver rather
			// than risk double-processing.
			return fmt.Errorf("dedup check for %s: %w", alert.Key(), derr)
		}
		if dup {
			s.audit(ctx, audit.EventDuplicateSuppressed, alert, map[string]any{"fingerprint": fp})
			s.cfg.Obs.DuplicateSuppressed(ctx, alert.Source)
			s.cfg.Log.Info("duplicate alert suppressed",
				"alert_id", alert.AlertID, "source", alert.Source, "fingerprint", fp)
			return nil
		}
	}

	s.cfg.Obs.AlertNormalized(ctx, alert.Source)
	s.window.Add(alert)
	return nil
}

// emitNormalized publishes one window emission on alert.normalized. It
// runs from window timer goroutines, so there is no delivery to nack:
// transient publish failures are retried under cfg.Retry, and exhaustion
// dead-letters the envelope so the alert is never silently lost. The
// dedup fingerprint was recorded before the window, which makes a
// redelivery of the same alert a duplicate.
func (s *Service) emitNormalized(a *domain.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	if a.NormalizedData.OccurrenceCount > 1 {
		s.audit(ctx, audit.EventAggregated, a, map[string]any{
			"occurrence_count": a.NormalizedData.OccurrenceCount,
			"alert_ids":        a.NormalizedData.AggregatedAlertID,
		})
	}

	env, err := envelope.New(envelope.TopicAlertNormalized, a.AlertID, a)
	if err != nil {
		s.cfg.Log.Error("wrap normalized alert", "alert_id", a.AlertID, "err", err)
		return
	}
	if attempts, err := s.publishEmission(ctx, env); err != nil {
		s.cfg.Log.Error("publish normalized alert",
			"alert_id", a.AlertID, "source", a.Source, "attempts", attempts, "err", err)
		s.deadLetterEmission(env, a, err, attempts)
	}
}

// publishEmission runs the alert.normalized publish under the retry
// policy. It returns the attempt count reached and the terminal error.
func (s *Service) publishEmission(ctx context.Context, env *envelope.Envelope) (int, error) {
	attempt := 0
	for {
		err := s.cfg.Bus.Publish(ctx, envelope.TopicAlertNormalized, env)
		if err == nil {
			return attempt, nil
		}
		attempt++
		if ctx.Err() != nil || s.cfg.Retry.Exhausted(attempt) {
			return attempt, err
		}
		delay := s.cfg.Retry.Backoff(envelope.TopicAlertNormalized, env.MessageID, attempt-1)
		s.cfg.Log.Warn("publish normalized alert failed, retrying",
			"message_id", env.MessageID, "attempt", attempt, "backoff", delay, "err", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, err
		case <-t.C:
		}
	}
}

// deadLetterEmission mirrors the bus dispatcher's exhaustion path for a
// window emission. A fresh context is used because the emit context may
// already be expired.
func (s *Service) deadLetterEmission(env *envelope.Envelope, a *domain.Alert, cause error, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	dl, err := envelope.NewDeadLetter(env, "PublishError", cause.Error(), Group, attempts)
	if err != nil {
		s.cfg.Log.Error("build dead letter", "alert_id", a.AlertID, "err", err)
	} else if err := s.cfg.Bus.Publish(ctx, envelope.TopicAlertDeadLetter, dl); err != nil {
		s.cfg.Log.Error("publish dead letter", "alert_id", a.AlertID, "err", err)
	}
	s.audit(ctx, audit.EventDeadLetter, a,
		map[string]any{"error": cause.Error(), "attempts": attempts})
	s.cfg.Obs.DeadLetter(ctx, "PublishError")
}

// archiveRaw retains the raw payload bytes, best-effort.
func (s *Service) archiveRaw(ctx context.Context, env *envelope.Envelope) {
	if s.cfg.Archive == nil {
		return
	}
	if _, err := s.cfg.Archive.Put(ctx, env.Payload); err != nil {
		s.cfg.Log.Warn("archive raw payload failed", "message_id", env.MessageID, "err", err)
	}
}

func (s *Service) audit(ctx context.Context, t audit.EventType, a *domain.Alert, metadata map[string]any) {
	if err := s.cfg.Audit.Record(ctx, t, a.AlertID, a.Source, metadata); err != nil {
		s.cfg.Log.Warn("audit record failed", "event", string(t), "err", err)
	}
}

// normalizeKind names the dead-letter kind for a normalization failure.
func normalizeKind(err error) string {
	type kinder interface{ Kind() string }
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "NormalizationError"
}
