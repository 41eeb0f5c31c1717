package triage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/bus"
	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/envelope"
	"github.com/Sentria-Labs/sentria/pkg/retry"
	"github.com/Sentria-Labs/sentria/pkg/scoring"
	"github.com/Sentria-Labs/sentria/pkg/store"
)

type stubIntel struct {
	mu      sync.Mutex
	queried []string
	byValue map[string]*domain.AggregatedIntel
	delay   time.Duration
}

func (s *stubIntel) Aggregate(ctx context.Context, iocType domain.IOCType, iocValue string) *domain.AggregatedIntel {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	s.queried = append(s.queried, iocValue)
	s.mu.Unlock()
	if agg, ok := s.byValue[iocValue]; ok {
		return agg
	}
	return &domain.AggregatedIntel{
		IOC: iocValue, IOCType: iocType,
		TotalSources: 3, ThreatLevel: domain.ThreatLevelSafe,
		QueriedAt: time.Now().UTC(),
	}
}

type failingScorer struct{}

func (failingScorer) Score(scoring.Input) (*scoring.Outcome, error) {
	return nil, &scoring.Error{Op: "score", Err: fmt.Errorf("induced failure")}
}

func testPolicy() retry.Policy {
	return retry.Policy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 1, MaxAttempts: 2}
}

func normalizedAlert() *domain.Alert {
	return &domain.Alert{
		AlertID:     "ALT-7",
		Source:      "splunk",
		AlertType:   domain.AlertTypeMalware,
		Severity:    domain.SeverityHigh,
		Description: "EICAR detected on host, relates to CVE-2024-3094",
		SourceIP:    "203.0.113.9",
		Timestamp:   time.Now().UTC(),
		NormalizedData: domain.NormalizedData{
			IOCsExtracted: map[domain.IOCType][]string{
				domain.IOCTypeIP: {"203.0.113.9"},
			},
			SourceType:   "splunk",
			NormalizedAt: time.Now().UTC(),
		},
	}
}

// collectResults subscribes a test consumer on triage.result and
// returns the channel verdicts arrive on.
func collectResults(t *testing.T, ctx context.Context, b bus.Bus) <-chan *domain.TriageResult {
	t.Helper()
	out := make(chan *domain.TriageResult, 10)
	err := b.Subscribe(ctx, envelope.TopicTriageResult, "test-sink", func(_ context.Context, env *envelope.Envelope) error {
		var r domain.TriageResult
		if err := env.Decode(&r); err != nil {
			return err
		}
		out <- &r
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe result sink: %v", err)
	}
	return out
}

func publishNormalized(t *testing.T, ctx context.Context, b bus.Bus, a *domain.Alert) {
	t.Helper()
	env, err := envelope.New(envelope.TopicAlertNormalized, a.AlertID, a)
	if err != nil {
		t.Fatalf("wrap alert: %v", err)
	}
	if err := b.Publish(ctx, envelope.TopicAlertNormalized, env); err != nil {
		t.Fatalf("publish alert: %v", err)
	}
}

func waitResult(t *testing.T, results <-chan *domain.TriageResult) *domain.TriageResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no triage result within 5s")
		return nil
	}
}

func TestHappyPathVerdict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemoryBus(16, testPolicy(), slog.Default())
	defer b.Close(context.Background())

	engine, err := scoring.New(scoring.DefaultWeights(), domain.DefaultThresholds())
	if err != nil {
		t.Fatalf("scoring.New: %v", err)
	}
	mem := store.NewMemory()
	intel := &stubIntel{byValue: map[string]*domain.AggregatedIntel{
		"203.0.113.9": {
			IOC: "203.0.113.9", IOCType: domain.IOCTypeIP,
			AggregateScore: 80, ThreatLevel: domain.ThreatLevelHigh,
			DetectedByCount: 2, TotalSources: 3, Confidence: 2.0 / 3.0,
			QueriedAt: time.Now().UTC(),
		},
	}}

	c, err := NewCoordinator(Config{
		Bus: b, Intel: intel, Scorer: engine, Repos: mem.Repositories(),
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := collectResults(t, ctx, b)

	publishNormalized(t, ctx, b, normalizedAlert())
	r := waitResult(t, results)

	if r.AlertID != "ALT-7" {
		t.Errorf("alert_id = %s", r.AlertID)
	}
	if r.ModelUsed != ModelName {
		t.Errorf("model = %s, want %s", r.ModelUsed, ModelName)
	}
	if r.RiskLevel != domain.RiskLevelCritical && r.RiskLevel != domain.RiskLevelHigh {
		t.Errorf("level = %s, want critical or high for detected malware", r.RiskLevel)
	}
	if !r.RequiresHumanReview {
		t.Error("detected malware must require review")
	}
	if len(r.Remediation) == 0 {
		t.Fatal("remediation must not be empty")
	}
	if r.Remediation[0].Action != "escalate to analyst for human review" {
		t.Errorf("first step = %q, want escalation", r.Remediation[0].Action)
	}
	if r.ThreatIntelSummary == "" {
		t.Error("narrative must be set on the happy path")
	}
	if len(r.CVEReferences) != 1 || r.CVEReferences[0] != "CVE-2024-3094" {
		t.Errorf("cves = %v", r.CVEReferences)
	}
	if r.Error != "" {
		t.Errorf("error = %q, want empty", r.Error)
	}

	// Best-effort persistence happened.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := mem.FindByAlertID(context.Background(), "ALT-7"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("triage result never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := mem.FindByID(context.Background(), "splunk", "ALT-7"); err != nil {
		t.Errorf("alert not persisted: %v", err)
	}
	if _, err := mem.FindByIOC(context.Background(), domain.IOCTypeIP, "203.0.113.9"); err != nil {
		t.Errorf("intel not persisted: %v", err)
	}
}

func TestScoringFailureYieldsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemoryBus(16, testPolicy(), slog.Default())
	defer b.Close(context.Background())

	c, err := NewCoordinator(Config{Bus: b, Intel: &stubIntel{}, Scorer: failingScorer{}})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := collectResults(t, ctx, b)

	publishNormalized(t, ctx, b, normalizedAlert())
	r := waitResult(t, results)

	if r.ModelUsed != domain.ModelFallback {
		t.Errorf("model = %s, want fallback", r.ModelUsed)
	}
	if r.RiskScore != 50 || r.RiskLevel != domain.RiskLevelMedium {
		t.Errorf("fallback verdict = %d/%s, want 50/medium", r.RiskScore, r.RiskLevel)
	}
	if !r.RequiresHumanReview {
		t.Error("fallback must require review")
	}
	if r.Error == "" {
		t.Error("fallback must carry the error string")
	}
	if len(r.Remediation) == 0 {
		t.Error("fallback still carries remediation steps")
	}
}

func TestBudgetExceededYieldsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemoryBus(16, testPolicy(), slog.Default())
	defer b.Close(context.Background())

	engine, err := scoring.New(scoring.DefaultWeights(), domain.DefaultThresholds())
	if err != nil {
		t.Fatalf("scoring.New: %v", err)
	}
	// Intel lookups outlast the budget; the coordinator must still
	// produce a verdict.
	c, err := NewCoordinator(Config{
		Bus: b, Intel: &stubIntel{delay: 200 * time.Millisecond}, Scorer: engine,
		Budget: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := collectResults(t, ctx, b)

	publishNormalized(t, ctx, b, normalizedAlert())
	r := waitResult(t, results)

	if r.ModelUsed != domain.ModelFallback {
		t.Errorf("model = %s, want fallback after blown budget", r.ModelUsed)
	}
	if r.Error == "" {
		t.Error("budget fallback must carry the error string")
	}
}

func TestMalformedPayloadIsDeadLettered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemoryBus(16, testPolicy(), slog.Default())
	defer b.Close(context.Background())

	engine, err := scoring.New(scoring.DefaultWeights(), domain.DefaultThresholds())
	if err != nil {
		t.Fatalf("scoring.New: %v", err)
	}
	c, err := NewCoordinator(Config{Bus: b, Intel: &stubIntel{}, Scorer: engine})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dead := make(chan *envelope.Envelope, 1)
	err = b.Subscribe(ctx, envelope.TopicAlertDeadLetter, "test-dlq", func(_ context.Context, env *envelope.Envelope) error {
		dead <- env
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}

	env, err := envelope.New(envelope.TopicAlertNormalized, "", map[string]any{"not": "an alert"})
	if err != nil {
		t.Fatalf("wrap payload: %v", err)
	}
	if err := b.Publish(ctx, envelope.TopicAlertNormalized, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case dl := <-dead:
		var payload envelope.DeadLetter
		if err := dl.Decode(&payload); err != nil {
			t.Fatalf("decode dead letter: %v", err)
		}
		if payload.ErrorKind != "TriageError" {
			t.Errorf("kind = %s, want TriageError", payload.ErrorKind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter within 5s")
	}
}

func TestIntelBoundedToMaxIOCs(t *testing.T) {
	ctx := context.Background()
	intel := &stubIntel{}
	engine, err := scoring.New(scoring.DefaultWeights(), domain.DefaultThresholds())
	if err != nil {
		t.Fatalf("scoring.New: %v", err)
	}
	b := bus.NewMemoryBus(1, testPolicy(), slog.Default())
	defer b.Close(context.Background())
	c, err := NewCoordinator(Config{Bus: b, Intel: intel, Scorer: engine, MaxIOCs: 2})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	a := normalizedAlert()
	a.NormalizedData.IOCsExtracted = map[domain.IOCType][]string{
		domain.IOCTypeIP:     {"1.1.1.1", "2.2.2.2", "3.3.3.3"},
		domain.IOCTypeSHA256: {"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	got := c.gatherIntel(ctx, a)
	if len(got) != 2 {
		t.Fatalf("gathered %d aggregates, want 2", len(got))
	}
	// Hashes outrank IPs in the lookup order.
	if _, ok := got["aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"]; !ok {
		t.Error("hash IOC should be queried first")
	}
}
