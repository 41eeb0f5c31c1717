package scoring

import (
	"errors"
	"testing"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultWeights(), domain.DefaultThresholds())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func alert(t domain.AlertType, sev domain.Severity) *domain.Alert {
	return &domain.Alert{
		AlertID:   "ALT-1",
		Source:    "splunk",
		AlertType: t,
		Severity:  sev,
		Timestamp: time.Now().UTC(),
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights: %v", err)
	}
	bad := Weights{Severity: 0.5, ThreatIntel: 0.5, AssetCriticality: 0.5, Exploitability: 0.5}
	if err := bad.Validate(); err == nil {
		t.Fatal("want error for weights summing to 2.0")
	}
	var scErr *Error
	if err := bad.Validate(); !errors.As(err, &scErr) {
		t.Fatal("weight error should be a scoring Error")
	}
	if _, err := New(bad, domain.DefaultThresholds()); err == nil {
		t.Fatal("New must reject bad weights")
	}
}

func TestScoreMalwareHappyPath(t *testing.T) {
	e := newEngine(t)
	a := alert(domain.AlertTypeMalware, domain.SeverityHigh)
	a.SourceIP = "45.33.32.156"

	out, err := e.Score(Input{
		Alert: a,
		Intel: map[string]*domain.AggregatedIntel{
			"45.33.32.156": {
				IOC: "45.33.32.156", IOCType: domain.IOCTypeIP,
				AggregateScore: 80, DetectedByCount: 2, TotalSources: 3,
				Confidence: 2.0 / 3.0,
			},
		},
		Asset:           &AssetContext{Criticality: "critical"},
		HistoricalCount: 3,
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	// severity 80*.3 + intel 80*.3 + asset 100*.2 + exploit (50+20+10)*.2
	// = 84; x1.2 malware, x1.1 historical = 110.88 -> clamped 100.
	if out.Score != 100 {
		t.Errorf("Score = %d, want 100", out.Score)
	}
	if out.Level != domain.RiskLevelCritical {
		t.Errorf("Level = %s, want critical", out.Level)
	}
	if !out.RequiresHumanReview {
		t.Error("high-scoring detected malware must require review")
	}
	// 0.5 + 0.15 (2 intel sources) + 0.20 (3 historical).
	if diff := out.Confidence - 0.85; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %g, want 0.85", out.Confidence)
	}
	if out.Breakdown.Exploitability.Score != 80 {
		t.Errorf("exploitability = %d, want 80", out.Breakdown.Exploitability.Score)
	}
	if out.Factors.TypeMultiplier != 1.2 || out.Factors.HistoricalMultiplier != 1.1 {
		t.Errorf("factors = %+v", out.Factors)
	}
}

func TestScoreNeutralDefaults(t *testing.T) {
	e := newEngine(t)
	a := alert(domain.AlertTypeOther, domain.SeverityMedium)
	a.SourceIP = "10.0.0.5" // internal, no exploitability bump

	out, err := e.Score(Input{Alert: a, HistoricalCount: 1})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// 50*.3 + 0*.3 + 50*.2 + 50*.2 = 35, multipliers 1.0.
	if out.Score != 35 {
		t.Errorf("Score = %d, want 35", out.Score)
	}
	if out.Level != domain.RiskLevelLow {
		t.Errorf("Level = %s, want low", out.Level)
	}
	if out.RequiresHumanReview {
		t.Error("neutral alert must not require review")
	}
	if diff := out.Confidence - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %g, want 0.6", out.Confidence)
	}
}

// Brute force carries a suppressing 0.9 multiplier yet can climb back
// through exploitability; both borderline outcomes are pinned here.
func TestScoreBruteForceBorderline(t *testing.T) {
	e := newEngine(t)

	plain := alert(domain.AlertTypeBruteForce, domain.SeverityHigh)
	plain.SourceIP = "192.168.1.10"
	out, err := e.Score(Input{Alert: plain})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// 80*.3 + 0 + 50*.2 + 50*.2 = 44; x0.9 type, x0.9 no-history = 35.64 -> 36.
	if out.Score != 36 || out.Level != domain.RiskLevelLow {
		t.Errorf("plain brute force = %d/%s, want 36/low", out.Score, out.Level)
	}

	escalated := alert(domain.AlertTypeBruteForce, domain.SeverityHigh)
	escalated.SourceIP = "203.0.113.9"
	out, err = e.Score(Input{
		Alert: escalated,
		User:  &UserContext{Title: "Administrator"},
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// exploit 50+20+25 = 95: 24 + 0 + 10 + 19 = 53; x0.81 = 42.93 -> 43.
	if out.Score != 43 || out.Level != domain.RiskLevelMedium {
		t.Errorf("escalated brute force = %d/%s, want 43/medium", out.Score, out.Level)
	}
}

func TestAssetComponent(t *testing.T) {
	cases := []struct {
		asset *AssetContext
		want  int
	}{
		{nil, 50},
		{&AssetContext{Criticality: "critical"}, 100},
		{&AssetContext{Criticality: "High"}, 80},
		{&AssetContext{Criticality: "medium"}, 50},
		{&AssetContext{Criticality: "low"}, 30},
		{&AssetContext{Criticality: "tier-9"}, 50},
	}
	for _, tc := range cases {
		if got := assetComponent(tc.asset); got != tc.want {
			t.Errorf("assetComponent(%+v) = %d, want %d", tc.asset, got, tc.want)
		}
	}
}

func TestExploitabilityBumps(t *testing.T) {
	e := newEngine(t)
	cases := []struct {
		name string
		in   Input
		want int
	}{
		{"baseline internal", Input{Alert: alert(domain.AlertTypeOther, domain.SeverityLow)}, 50},
		{"external source", Input{Alert: func() *domain.Alert {
			a := alert(domain.AlertTypeOther, domain.SeverityLow)
			a.SourceIP = "8.8.8.8"
			return a
		}()}, 70},
		{"bad reputation", Input{
			Alert:   alert(domain.AlertTypeOther, domain.SeverityLow),
			Network: &NetworkContext{Reputation: 90},
		}, 65},
		{"privileged user", Input{
			Alert: alert(domain.AlertTypeOther, domain.SeverityLow),
			User:  &UserContext{Title: "root"},
		}, 75},
		{"exfiltration type", Input{Alert: alert(domain.AlertTypeDataExfiltration, domain.SeverityLow)}, 70},
		{"everything clamps", Input{
			Alert: func() *domain.Alert {
				a := alert(domain.AlertTypeDataExfiltration, domain.SeverityLow)
				a.SourceIP = "8.8.8.8"
				return a
			}(),
			Network: &NetworkContext{Reputation: 95},
			User:    &UserContext{Title: "admin"},
		}, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.exploitabilityComponent(tc.in); got != tc.want {
				t.Errorf("exploitability = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHistoricalMultiplier(t *testing.T) {
	cases := map[int]float64{0: 0.9, 1: 1.0, 2: 1.0, 3: 1.1, 5: 1.1, 6: 1.2, 50: 1.2}
	for count, want := range cases {
		if got := historicalMultiplier(count); got != want {
			t.Errorf("historicalMultiplier(%d) = %g, want %g", count, got, want)
		}
	}
}

func TestConfidenceTable(t *testing.T) {
	cases := []struct {
		intel, hist int
		want        float64
	}{
		{0, 0, 0.5},
		{1, 0, 0.65},
		{3, 0, 0.8},
		{0, 1, 0.6},
		{0, 3, 0.7},
		{3, 3, 1.0},
		{5, 9, 1.0},
	}
	for _, tc := range cases {
		got := confidence(tc.intel, tc.hist)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("confidence(%d, %d) = %g, want %g", tc.intel, tc.hist, got, tc.want)
		}
	}
}

func TestReviewFlag(t *testing.T) {
	e := newEngine(t)
	cases := []struct {
		name     string
		t        domain.AlertType
		score    int
		detected bool
		want     bool
	}{
		{"high score", domain.AlertTypeOther, 70, false, true},
		{"intel detection", domain.AlertTypeOther, 10, true, true},
		{"malware over medium bar", domain.AlertTypeMalware, 40, false, true},
		{"malware under medium bar", domain.AlertTypeMalware, 39, false, false},
		{"quiet anomaly", domain.AlertTypeAnomaly, 39, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.requiresReview(tc.t, tc.score, tc.detected); got != tc.want {
				t.Errorf("requiresReview = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScoreNilAlert(t *testing.T) {
	e := newEngine(t)
	_, err := e.Score(Input{})
	var scErr *Error
	if !errors.As(err, &scErr) {
		t.Fatalf("want scoring Error, got %v", err)
	}
}

func TestIntelComponentPicksMostThreatening(t *testing.T) {
	e := newEngine(t)
	score, sources, detected := e.intelComponent(map[string]*domain.AggregatedIntel{
		"safe.example.com": {AggregateScore: 5, TotalSources: 3, Confidence: 1.0},
		"1.2.3.4":          {AggregateScore: 88, DetectedByCount: 3, TotalSources: 3, Confidence: 1.0},
	})
	if score != 88 {
		t.Errorf("score = %d, want 88", score)
	}
	if sources != 3 {
		t.Errorf("sources = %d, want 3", sources)
	}
	if !detected {
		t.Error("detected should be true")
	}

	score, sources, detected = e.intelComponent(nil)
	if score != 0 || sources != 0 || detected {
		t.Errorf("empty intel = %d/%d/%v, want 0/0/false", score, sources, detected)
	}
}
