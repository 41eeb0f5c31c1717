package triage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/scoring"
)

// Narrator renders the human-readable summary of a triage verdict.
// Implementations may call external services; the coordinator treats a
// failure as an empty narrative, never as a triage failure.
type Narrator interface {
	Summarize(ctx context.Context, a *domain.Alert, intel map[string]*domain.AggregatedIntel, out *scoring.Outcome) (string, error)
}

// TemplateNarrator is the built-in deterministic narrator: same inputs,
// same text.
type TemplateNarrator struct{}

func (TemplateNarrator) Summarize(_ context.Context, a *domain.Alert, intel map[string]*domain.AggregatedIntel, out *scoring.Outcome) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s alert %s from %s scored %d (%s).",
		a.AlertType, a.AlertID, a.Source, out.Score, out.Level)

	flagged := make([]string, 0, len(intel))
	clean := 0
	for _, ioc := range sortedIOCs(intel) {
		agg := intel[ioc]
		if agg.Detected() {
			flagged = append(flagged, fmt.Sprintf("%s (%s, %d/%d sources, threat level %s)",
				agg.IOC, agg.IOCType, agg.DetectedByCount, agg.TotalSources, agg.ThreatLevel))
		} else {
			clean++
		}
	}
	switch {
	case len(flagged) > 0:
		fmt.Fprintf(&b, " Threat intelligence flagged %s.", strings.Join(flagged, "; "))
	case clean > 0:
		fmt.Fprintf(&b, " Threat intelligence checked %d indicator(s) with no detections.", clean)
	default:
		b.WriteString(" No indicators were available for threat intelligence lookup.")
	}

	if out.RequiresHumanReview {
		b.WriteString(" Analyst review is required.")
	}
	return b.String(), nil
}

func sortedIOCs(intel map[string]*domain.AggregatedIntel) []string {
	keys := make([]string, 0, len(intel))
	for k, agg := range intel {
		if agg != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
