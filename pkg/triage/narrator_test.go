package triage

import (
	"context"
	"strings"
	"testing"

	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/scoring"
)

func TestTemplateNarratorDetections(t *testing.T) {
	a := normalizedAlert()
	out := &scoring.Outcome{Score: 92, Level: domain.RiskLevelCritical, RequiresHumanReview: true}
	intel := map[string]*domain.AggregatedIntel{
		"203.0.113.9": {
			IOC: "203.0.113.9", IOCType: domain.IOCTypeIP,
			DetectedByCount: 2, TotalSources: 3, ThreatLevel: domain.ThreatLevelHigh,
		},
	}

	text, err := TemplateNarrator{}.Summarize(context.Background(), a, intel, out)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, want := range []string{"malware alert ALT-7", "scored 92 (critical)", "203.0.113.9", "2/3 sources", "Analyst review is required."} {
		if !strings.Contains(text, want) {
			t.Errorf("narrative missing %q:\n%s", want, text)
		}
	}
}

func TestTemplateNarratorIsDeterministic(t *testing.T) {
	a := normalizedAlert()
	out := &scoring.Outcome{Score: 30, Level: domain.RiskLevelLow}
	intel := map[string]*domain.AggregatedIntel{
		"b.example.com": {IOC: "b.example.com", IOCType: domain.IOCTypeDomain, DetectedByCount: 1, TotalSources: 2},
		"a.example.com": {IOC: "a.example.com", IOCType: domain.IOCTypeDomain, DetectedByCount: 1, TotalSources: 2},
	}

	first, err := TemplateNarrator{}.Summarize(context.Background(), a, intel, out)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := TemplateNarrator{}.Summarize(context.Background(), a, intel, out)
		if again != first {
			t.Fatal("narrative varies across identical inputs")
		}
	}
	if strings.Index(first, "a.example.com") > strings.Index(first, "b.example.com") {
		t.Error("flagged IOCs should be listed in sorted order")
	}
}

func TestTemplateNarratorNoIntel(t *testing.T) {
	a := normalizedAlert()
	out := &scoring.Outcome{Score: 35, Level: domain.RiskLevelInfo}

	text, err := TemplateNarrator{}.Summarize(context.Background(), a, nil, out)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(text, "No indicators were available") {
		t.Errorf("narrative = %s", text)
	}

	clean := map[string]*domain.AggregatedIntel{
		"example.com": {IOC: "example.com", IOCType: domain.IOCTypeDomain, TotalSources: 3},
	}
	text, _ = TemplateNarrator{}.Summarize(context.Background(), a, clean, out)
	if !strings.Contains(text, "no detections") {
		t.Errorf("narrative = %s", text)
	}
}

func TestRemediationAlwaysNonEmpty(t *testing.T) {
	types := []domain.AlertType{
		domain.AlertTypeMalware, domain.AlertTypePhishing, domain.AlertTypeBruteForce,
		domain.AlertTypeDDoS, domain.AlertTypeDataExfiltration,
		domain.AlertTypeUnauthorizedAccess, domain.AlertTypeAnomaly, domain.AlertTypeOther,
	}
	levels := []domain.RiskLevel{
		domain.RiskLevelCritical, domain.RiskLevelHigh, domain.RiskLevelMedium,
		domain.RiskLevelLow, domain.RiskLevelInfo,
	}
	for _, typ := range types {
		for _, level := range levels {
			for _, review := range []bool{true, false} {
				steps := Remediation(typ, level, review)
				if len(steps) == 0 {
					t.Fatalf("Remediation(%s, %s, %v) is empty", typ, level, review)
				}
				if review && steps[0].Action != "escalate to analyst for human review" {
					t.Errorf("Remediation(%s, %s, review) does not start with escalation", typ, level)
				}
			}
		}
	}
}

func TestRemediationCriticalMalwareHasImmediateStep(t *testing.T) {
	steps := Remediation(domain.AlertTypeMalware, domain.RiskLevelCritical, true)
	found := false
	for _, s := range steps {
		if s.Priority == domain.PriorityImmediate {
			found = true
		}
	}
	if !found {
		t.Errorf("critical malware should carry an immediate step: %+v", steps)
	}
}

func TestRemediationLowRiskCapsPriority(t *testing.T) {
	steps := Remediation(domain.AlertTypeMalware, domain.RiskLevelLow, false)
	for _, s := range steps {
		if s.Priority == domain.PriorityImmediate || s.Priority == domain.PriorityCritical {
			t.Errorf("low-risk verdict carries %s step %q", s.Priority, s.Action)
		}
	}
}
