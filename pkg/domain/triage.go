package domain

import "time"

// RiskLevel is the discrete grade derived from the composite risk score.
type RiskLevel string

const (
	RiskLevelCritical RiskLevel = "critical"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelLow      RiskLevel = "low"
	RiskLevelInfo     RiskLevel = "info"
)

// Thresholds holds the level cut-points on the 0-100 score scale. The same
// cut-points grade risk scores and intel aggregates.
type Thresholds struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

// DefaultThresholds returns the standard cut-points.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 90, High: 70, Medium: 40, Low: 20}
}

// RiskLevel grades a risk score.
func (t Thresholds) RiskLevel(score int) RiskLevel {
	switch {
	case score >= t.Critical:
		return RiskLevelCritical
	case score >= t.High:
		return RiskLevelHigh
	case score >= t.Medium:
		return RiskLevelMedium
	case score >= t.Low:
		return RiskLevelLow
	default:
		return RiskLevelInfo
	}
}

// ThreatLevel grades an intel aggregate score; below the low cut-point the
// IOC is considered safe.
func (t Thresholds) ThreatLevel(score float64) ThreatLevel {
	switch {
	case score >= float64(t.Critical):
		return ThreatLevelCritical
	case score >= float64(t.High):
		return ThreatLevelHigh
	case score >= float64(t.Medium):
		return ThreatLevelMedium
	case score >= float64(t.Low):
		return ThreatLevelLow
	default:
		return ThreatLevelSafe
	}
}

// ComponentScore pairs one scoring component's 0-100 score with the weight
// it carried in the composite.
type ComponentScore struct {
	Score  int     `json:"score"`
	Weight float64 `json:"weight"`
}

// Breakdown itemizes the composite score per component.
type Breakdown struct {
	Severity         ComponentScore `json:"severity"`
	ThreatIntel      ComponentScore `json:"threat_intel"`
	AssetCriticality ComponentScore `json:"asset_criticality"`
	Exploitability   ComponentScore `json:"exploitability"`
}

// Factors records the multipliers applied on top of the base score.
type Factors struct {
	AlertType            AlertType `json:"alert_type"`
	TypeMultiplier       float64   `json:"type_multiplier"`
	HistoricalMultiplier float64   `json:"historical_multiplier"`
}

// Remediation step priorities, ordered from most to least urgent.
const (
	PriorityImmediate = "immediate"
	PriorityCritical  = "critical"
	PriorityHigh      = "high"
	PriorityMedium    = "medium"
	PriorityLow       = "low"
)

// RemediationStep is one recommended action, ordered by priority within
// the result.
type RemediationStep struct {
	Action    string `json:"action"`
	Priority  string `json:"priority"`
	Automated bool   `json:"automated"`
	Owner     string `json:"owner,omitempty"`
}

// ModelFallback marks triage results produced by the degraded path.
const ModelFallback = "fallback"

// TriageResult is the verdict emitted once per alert on triage.result.
// It is immutable after publication; republishing the same alert_id is
// safe because consumers key on it.
type TriageResult struct {
	AlertID             string    `json:"alert_id"`
	RiskScore           int       `json:"risk_score"`
	RiskLevel           RiskLevel `json:"risk_level"`
	Confidence          float64   `json:"confidence"`
	RequiresHumanReview bool      `json:"requires_human_review"`

	Breakdown Breakdown `json:"breakdown"`
	Factors   Factors   `json:"factors"`

	Remediation        []RemediationStep    `json:"remediation"`
	IOCsIdentified     map[IOCType][]string `json:"iocs_identified"`
	ThreatIntelSummary string               `json:"threat_intel_summary"`
	CVEReferences      []string             `json:"cve_references,omitempty"`

	ModelUsed string    `json:"model_used"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
}
