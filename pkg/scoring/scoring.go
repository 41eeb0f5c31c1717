// Package scoring computes the composite risk verdict for one alert: a
// weighted blend of severity, threat-intel consensus, asset criticality
// and exploitability, shaped by alert-type and historical multipliers.
// The engine is pure and deterministic; anything that goes wrong inside
// it surfaces as an Error so the coordinator can fall back instead of
// dropping the alert.
package scoring

import (
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// Weights blends the four component scores; they must sum to 1.0.
type Weights struct {
	Severity         float64
	ThreatIntel      float64
	AssetCriticality float64
	Exploitability   float64
}

// DefaultWeights is the calibrated blend.
func DefaultWeights() Weights {
	return Weights{Severity: 0.30, ThreatIntel: 0.30, AssetCriticality: 0.20, Exploitability: 0.20}
}

// Validate checks the weights sum to 1.0 within 1e-9.
func (w Weights) Validate() error {
	sum := w.Severity + w.ThreatIntel + w.AssetCriticality + w.Exploitability
	if math.Abs(sum-1.0) > 1e-9 {
		return &Error{Op: "validate weights", Err: fmt.Errorf("weights sum to %g, want 1.0", sum)}
	}
	return nil
}

// Error is a scoring failure; the coordinator answers it with the
// fallback verdict, never by dropping the alert.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("scoring: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Kind names the error for dead-letter records and logs.
func (e *Error) Kind() string { return "ScoringError" }

// AssetContext describes the asset an alert touched; criticality uses
// the severity vocabulary (critical|high|medium|low).
type AssetContext struct {
	Criticality string
}

// NetworkContext carries the reputation score (0-100) of the remote
// address, where known.
type NetworkContext struct {
	Reputation float64
}

// UserContext carries directory attributes of the involved account.
type UserContext struct {
	Title string
}

// privilegedTitles escalate exploitability when the involved account
// matches one.
var privilegedTitles = map[string]struct{}{
	"admin":         {},
	"root":          {},
	"administrator": {},
	"privileged":    {},
}

// Input gathers everything the engine may consider. Only Alert is
// required; every context is optional and its absence scores neutrally.
type Input struct {
	Alert *domain.Alert
	// Intel maps IOC value to its aggregate; the highest-scoring entry
	// drives the threat-intel component.
	Intel   map[string]*domain.AggregatedIntel
	Asset   *AssetContext
	Network *NetworkContext
	User    *UserContext
	// HistoricalCount is the number of similar alerts seen in the
	// lookback window.
	HistoricalCount int
}

// Outcome is the engine's verdict, consumed by the triage coordinator.
type Outcome struct {
	Score               int
	Level               domain.RiskLevel
	Confidence          float64
	RequiresHumanReview bool
	Breakdown           domain.Breakdown
	Factors             domain.Factors
	// IntelSources is how many providers responded for the driving
	// aggregate; it feeds confidence.
	IntelSources int
	// IntelDetected reports whether any aggregate had detections.
	IntelDetected bool
}

// typeMultipliers shape the base score per alert type. brute_force is
// deliberately below 1.0: high-volume and usually blocked upstream, its
// escalation path runs through the exploitability component instead.
var typeMultipliers = map[domain.AlertType]float64{
	domain.AlertTypeMalware:            1.2,
	domain.AlertTypePhishing:           1.1,
	domain.AlertTypeBruteForce:         0.9,
	domain.AlertTypeDDoS:               1.0,
	domain.AlertTypeDataExfiltration:   1.3,
	domain.AlertTypeUnauthorizedAccess: 1.1,
	domain.AlertTypeAnomaly:            0.8,
	domain.AlertTypeOther:              1.0,
}

// reviewTypes force human review at a lower score bar.
var reviewTypes = map[domain.AlertType]struct{}{
	domain.AlertTypeMalware:            {},
	domain.AlertTypeDataExfiltration:   {},
	domain.AlertTypeUnauthorizedAccess: {},
}

// Engine scores alerts with a fixed weight blend and level cut-points.
type Engine struct {
	weights    Weights
	thresholds domain.Thresholds
}

// New validates the weights and builds an engine.
func New(weights Weights, thresholds domain.Thresholds) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if thresholds == (domain.Thresholds{}) {
		thresholds = domain.DefaultThresholds()
	}
	return &Engine{weights: weights, thresholds: thresholds}, nil
}

// Weights reports the engine's blend.
func (e *Engine) Weights() Weights { return e.weights }

// Score computes the verdict. A nil alert or an internal panic comes
// back as an Error.
func (e *Engine) Score(in Input) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &Error{Op: "score", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if in.Alert == nil {
		return nil, &Error{Op: "score", Err: fmt.Errorf("nil alert")}
	}
	a := in.Alert

	sevScore := a.Severity.Score()
	intelScore, intelSources, intelDetected := e.intelComponent(in.Intel)
	assetScore := assetComponent(in.Asset)
	exploitScore := e.exploitabilityComponent(in)

	base := float64(sevScore)*e.weights.Severity +
		float64(intelScore)*e.weights.ThreatIntel +
		float64(assetScore)*e.weights.AssetCriticality +
		float64(exploitScore)*e.weights.Exploitability

	typeMult, ok := typeMultipliers[a.AlertType]
	if !ok {
		typeMult = 1.0
	}
	histMult := historicalMultiplier(in.HistoricalCount)

	final := clampInt(int(math.Round(base*typeMult*histMult)), 0, 100)
	level := e.thresholds.RiskLevel(final)

	out = &Outcome{
		Score:      final,
		Level:      level,
		Confidence: confidence(intelSources, in.HistoricalCount),
		Breakdown: domain.Breakdown{
			Severity:         domain.ComponentScore{Score: sevScore, Weight: e.weights.Severity},
			ThreatIntel:      domain.ComponentScore{Score: intelScore, Weight: e.weights.ThreatIntel},
			AssetCriticality: domain.ComponentScore{Score: assetScore, Weight: e.weights.AssetCriticality},
			Exploitability:   domain.ComponentScore{Score: exploitScore, Weight: e.weights.Exploitability},
		},
		Factors: domain.Factors{
			AlertType:            a.AlertType,
			TypeMultiplier:       typeMult,
			HistoricalMultiplier: histMult,
		},
		IntelSources:  intelSources,
		IntelDetected: intelDetected,
	}
	out.RequiresHumanReview = e.requiresReview(a.AlertType, final, intelDetected)
	return out, nil
}

// intelComponent picks the most threatening aggregate: its score drives
// the component, its responder count feeds confidence. No intel at all
// scores a neutral zero rather than reweighting the blend.
func (e *Engine) intelComponent(intel map[string]*domain.AggregatedIntel) (score, sources int, detected bool) {
	var best *domain.AggregatedIntel
	for _, agg := range intel {
		if agg == nil {
			continue
		}
		if agg.Detected() {
			detected = true
		}
		if best == nil || agg.AggregateScore > best.AggregateScore {
			best = agg
		}
	}
	if best == nil {
		return 0, 0, false
	}
	score = clampInt(int(math.Round(best.AggregateScore)), 0, 100)
	sources = int(math.Round(best.Confidence * float64(best.TotalSources)))
	return score, sources, detected
}

func assetComponent(asset *AssetContext) int {
	if asset == nil {
		return 50
	}
	switch strings.ToLower(strings.TrimSpace(asset.Criticality)) {
	case "critical":
		return 100
	case "high":
		return 80
	case "medium":
		return 50
	case "low":
		return 30
	default:
		return 50
	}
}

// exploitabilityComponent starts from a neutral 50 and bumps for
// external exposure, poor network reputation, privileged accounts, and
// the inherently actionable alert types.
func (e *Engine) exploitabilityComponent(in Input) int {
	score := 50
	if isExternalIP(in.Alert.SourceIP) {
		score += 20
	}
	if in.Network != nil && in.Network.Reputation > 70 {
		score += 15
	}
	if in.User != nil {
		if _, ok := privilegedTitles[strings.ToLower(strings.TrimSpace(in.User.Title))]; ok {
			score += 25
		}
	}
	switch in.Alert.AlertType {
	case domain.AlertTypeMalware:
		score += 10
	case domain.AlertTypeUnauthorizedAccess:
		score += 15
	case domain.AlertTypeDataExfiltration:
		score += 20
	}
	return clampInt(score, 0, 100)
}

// isExternalIP reports whether the address parses and is neither
// private, loopback, nor link-local.
func isExternalIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}

func historicalMultiplier(count int) float64 {
	switch {
	case count > 5:
		return 1.2
	case count > 2:
		return 1.1
	case count == 0:
		return 0.9
	default:
		return 1.0
	}
}

// confidence starts at 0.5 and grows with corroboration: responding
// intel sources and historical matches.
func confidence(intelSources, historical int) float64 {
	c := 0.5
	switch {
	case intelSources >= 3:
		c += 0.30
	case intelSources >= 1:
		c += 0.15
	}
	switch {
	case historical >= 3:
		c += 0.20
	case historical >= 1:
		c += 0.10
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func (e *Engine) requiresReview(t domain.AlertType, score int, intelDetected bool) bool {
	if score >= e.thresholds.High {
		return true
	}
	if intelDetected {
		return true
	}
	if _, ok := reviewTypes[t]; ok && score >= e.thresholds.Medium {
		return true
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
