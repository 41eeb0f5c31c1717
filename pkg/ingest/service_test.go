package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/audit"
	"github.com/Sentria-Labs/sentria/pkg/bus"
	"github.com/Sentria-Labs/sentria/pkg/dedup"
	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/envelope"
	"github.com/Sentria-Labs/sentria/pkg/normalize"
	"github.com/Sentria-Labs/sentria/pkg/retry"
	"github.com/Sentria-Labs/sentria/pkg/rules"
)

type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testPolicy() retry.Policy {
	return retry.Policy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 1, MaxAttempts: 2}
}

type fixture struct {
	bus        *bus.MemoryBus
	service    *Service
	normalized <-chan *domain.Alert
	audit      *safeBuffer
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewMemoryBus(32, testPolicy(), slog.Default())
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	buf := &safeBuffer{}
	cfg := Config{
		Bus:      b,
		Registry: normalize.NewRegistry(slog.Default()),
		Deduper:  dedup.New(dedup.NewMemoryStore(128), time.Hour),
		Audit:    audit.NewLoggerWithWriter(buf),
		Retry:    testPolicy(),
		Window:   40 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := make(chan *domain.Alert, 32)
	err = b.Subscribe(ctx, envelope.TopicAlertNormalized, "test-sink", func(_ context.Context, env *envelope.Envelope) error {
		var a domain.Alert
		if err := env.Decode(&a); err != nil {
			return err
		}
		out <- &a
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe sink: %v", err)
	}
	return &fixture{bus: b, service: svc, normalized: out, audit: buf}
}

func (f *fixture) publishRaw(t *testing.T, payload map[string]any) {
	t.Helper()
	env, err := envelope.New(envelope.TopicAlertRaw, "", payload)
	if err != nil {
		t.Fatalf("wrap raw payload: %v", err)
	}
	if err := f.bus.Publish(context.Background(), envelope.TopicAlertRaw, env); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
}

func (f *fixture) waitNormalized(t *testing.T) *domain.Alert {
	t.Helper()
	select {
	case a := <-f.normalized:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no normalized alert within 5s")
		return nil
	}
}

func (f *fixture) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case a := <-f.normalized:
		t.Fatalf("unexpected normalized alert %s", a.AlertID)
	case <-time.After(d):
	}
}

func splunkPayload(id string) map[string]any {
	return map[string]any{
		"source":    "splunk",
		"alert_id":  id,
		"severity":  "high",
		"category":  "malware",
		"message":   "Trojan detected on host web-01",
		"source_ip": "203.0.113.9",
	}
}

func TestRawToNormalizedFlow(t *testing.T) {
	f := newFixture(t, nil)
	f.publishRaw(t, splunkPayload("ALT-100"))

	a := f.waitNormalized(t)
	if a.AlertID != "ALT-100" || a.Source != "splunk" {
		t.Errorf("identity = %s/%s", a.Source, a.AlertID)
	}
	if a.AlertType != domain.AlertTypeMalware || a.Severity != domain.SeverityHigh {
		t.Errorf("classification = %s/%s", a.AlertType, a.Severity)
	}
	if got := a.IOCs(domain.IOCTypeIP); len(got) == 0 {
		t.Error("source IP should be extracted as an IOC")
	}
}

func TestDuplicateDeliveriesYieldOneAlert(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.publishRaw(t, splunkPayload("ALT-DUP"))
	}

	a := f.waitNormalized(t)
	if a.AlertID != "ALT-DUP" {
		t.Errorf("alert_id = %s", a.AlertID)
	}
	if n := a.NormalizedData.OccurrenceCount; n > 1 {
		t.Errorf("duplicates were aggregated (count %d), they must be dropped before the window", n)
	}
	f.expectSilence(t, 200*time.Millisecond)

	if !strings.Contains(f.audit.String(), string(audit.EventDuplicateSuppressed)) {
		t.Error("duplicate suppression must be audited")
	}
}

func TestBurstIsAggregated(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Window = 500 * time.Millisecond
		cfg.WindowMaxSize = 3
	})
	for _, id := range []string{"ALT-A", "ALT-B", "ALT-C"} {
		f.publishRaw(t, splunkPayload(id))
	}

	a := f.waitNormalized(t)
	if a.NormalizedData.OccurrenceCount != 3 {
		t.Fatalf("occurrence_count = %d, want 3", a.NormalizedData.OccurrenceCount)
	}
	if len(a.NormalizedData.AggregatedAlertID) != 3 {
		t.Errorf("aggregated ids = %v", a.NormalizedData.AggregatedAlertID)
	}
	if !strings.Contains(f.audit.String(), string(audit.EventAggregated)) {
		t.Error("aggregation must be audited")
	}
}

func TestRuleSuppressionDropsAlert(t *testing.T) {
	engine, err := rules.Parse([]byte(`
rules:
  - name: drop-scanner
    expr: source_ip == "203.0.113.9"
    action: suppress
`), slog.Default())
	if err != nil {
		t.Fatalf("rules.Parse: %v", err)
	}
	f := newFixture(t, func(cfg *Config) { cfg.Rules = engine })

	f.publishRaw(t, splunkPayload("ALT-SUP"))
	f.expectSilence(t, 300*time.Millisecond)

	if !strings.Contains(f.audit.String(), string(audit.EventRuleSuppressed)) {
		t.Error("rule suppression must be audited")
	}
}

func TestUnnormalizablePayloadIsDeadLettered(t *testing.T) {
	f := newFixture(t, nil)

	dead := make(chan *envelope.Envelope, 1)
	err := f.bus.Subscribe(context.Background(), envelope.TopicAlertDeadLetter, "test-dlq",
		func(_ context.Context, env *envelope.Envelope) error {
			dead <- env
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}

	// CEF without a message field cannot be normalized.
	f.publishRaw(t, map[string]any{"source": "cef", "vendor": "ArcSight"})

	select {
	case dl := <-dead:
		var payload envelope.DeadLetter
		if err := dl.Decode(&payload); err != nil {
			t.Fatalf("decode dead letter: %v", err)
		}
		if payload.ErrorKind != "NormalizationError" {
			t.Errorf("kind = %s, want NormalizationError", payload.ErrorKind)
		}
		if payload.Stage != Group {
			t.Errorf("stage = %s, want %s", payload.Stage, Group)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter within 5s")
	}
	f.expectSilence(t, 100*time.Millisecond)
}

// flakyBus fails publishes on one topic: a positive failure budget
// counts down, -1 fails forever. Everything else delegates.
type flakyBus struct {
	bus.Bus
	mu       sync.Mutex
	topic    string
	failures int
}

func (f *flakyBus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if topic == f.topic {
		f.mu.Lock()
		fail := f.failures != 0
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		if fail {
			return &bus.TransientError{Op: "publish", Err: errors.New("broker unavailable")}
		}
	}
	return f.Bus.Publish(ctx, topic, env)
}

func TestEmitRetriesTransientPublishFailure(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Bus = &flakyBus{Bus: cfg.Bus, topic: envelope.TopicAlertNormalized, failures: 1}
	})
	f.publishRaw(t, splunkPayload("ALT-RETRY"))

	a := f.waitNormalized(t)
	if a.AlertID != "ALT-RETRY" {
		t.Errorf("alert_id = %s", a.AlertID)
	}
	if strings.Contains(f.audit.String(), string(audit.EventDeadLetter)) {
		t.Error("a recovered publish must not be dead-lettered")
	}
}

func TestEmitExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Bus = &flakyBus{Bus: cfg.Bus, topic: envelope.TopicAlertNormalized, failures: -1}
	})

	dead := make(chan *envelope.Envelope, 1)
	err := f.bus.Subscribe(context.Background(), envelope.TopicAlertDeadLetter, "test-dlq",
		func(_ context.Context, env *envelope.Envelope) error {
			dead <- env
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}

	f.publishRaw(t, splunkPayload("ALT-LOST"))

	select {
	case dl := <-dead:
		var payload envelope.DeadLetter
		if err := dl.Decode(&payload); err != nil {
			t.Fatalf("decode dead letter: %v", err)
		}
		if payload.ErrorKind != "PublishError" {
			t.Errorf("kind = %s, want PublishError", payload.ErrorKind)
		}
		if payload.Stage != Group {
			t.Errorf("stage = %s, want %s", payload.Stage, Group)
		}
		if payload.Attempts != testPolicy().MaxAttempts {
			t.Errorf("attempts = %d, want %d", payload.Attempts, testPolicy().MaxAttempts)
		}
		orig, err := envelope.Parse(payload.Original)
		if err != nil {
			t.Fatalf("parse original envelope: %v", err)
		}
		var a domain.Alert
		if err := orig.Decode(&a); err != nil {
			t.Fatalf("decode original alert: %v", err)
		}
		if a.AlertID != "ALT-LOST" {
			t.Errorf("original alert_id = %s", a.AlertID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter within 5s")
	}
	f.expectSilence(t, 100*time.Millisecond)

	if !strings.Contains(f.audit.String(), string(audit.EventDeadLetter)) {
		t.Error("exhausted emission must be audited")
	}
}

func TestCloseFlushesWindow(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Window = time.Hour // never expires on its own
	})
	f.publishRaw(t, splunkPayload("ALT-FLUSH"))

	// Wait until the alert is inside the window.
	deadline := time.Now().Add(2 * time.Second)
	for f.service.window.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("alert never reached the window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.service.Close(context.Background())
	a := f.waitNormalized(t)
	if a.AlertID != "ALT-FLUSH" {
		t.Errorf("alert_id = %s", a.AlertID)
	}
	if !strings.Contains(f.audit.String(), string(audit.EventShutdownDrain)) {
		t.Error("shutdown drain must be audited")
	}
}
