// Package triage turns normalized alerts into verdicts. The coordinator
// consumes alert.normalized, fans intel lookups out over the alert's
// IOCs, scores the blend, composes the result with remediation steps
// and a narrative, and publishes triage.result before acknowledging.
// Every accepted alert yields exactly one result or one dead letter;
// a scoring failure or a blown budget yields the fallback verdict, not
// a dropped alert.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Sentria-Labs/sentria/pkg/audit"
	"github.com/Sentria-Labs/sentria/pkg/bus"
	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/envelope"
	"github.com/Sentria-Labs/sentria/pkg/ioc"
	"github.com/Sentria-Labs/sentria/pkg/observability"
	"github.com/Sentria-Labs/sentria/pkg/scoring"
	"github.com/Sentria-Labs/sentria/pkg/store"
)

// Group is the coordinator's consumer group on alert.normalized.
const Group = "triage"

// ModelName stamps results produced by the normal scoring path.
const ModelName = "sentria-risk-v1"

// DefaultBudget bounds the end-to-end work for one alert.
const DefaultBudget = 120 * time.Second

// DefaultMaxIOCs caps how many IOCs get intel lookups per alert; the
// list is already in priority order (hashes, IPs, URLs, domains).
const DefaultMaxIOCs = 10

// DefaultHistoryLookback is the similarity window feeding the
// historical multiplier.
const DefaultHistoryLookback = 24 * time.Hour

// intelParallelism bounds concurrent aggregate lookups per alert; each
// lookup already fans out over providers internally.
const intelParallelism = 4

// Scorer is the verdict engine seam; *scoring.Engine satisfies it.
type Scorer interface {
	Score(in scoring.Input) (*scoring.Outcome, error)
}

// IntelLookup is the aggregator seam; *intel.Aggregator satisfies it.
type IntelLookup interface {
	Aggregate(ctx context.Context, iocType domain.IOCType, iocValue string) *domain.AggregatedIntel
}

// Config wires the coordinator's collaborators. Bus, Intel and Scorer
// are required; everything else has a working default or degrades to
// best-effort.
type Config struct {
	Bus    bus.Bus
	Intel  IntelLookup
	Scorer Scorer

	// Repos are best-effort: a save failure is logged, never fails the
	// alert. Zero-value repositories disable persistence.
	Repos store.Repositories

	Narrator Narrator
	Audit    audit.Logger
	Obs      *observability.Provider
	Log      *slog.Logger

	Budget          time.Duration
	MaxIOCs         int
	HistoryLookback time.Duration
}

// Coordinator is the alert.normalized consumer.
type Coordinator struct {
	cfg Config
	now func() time.Time
}

// NewCoordinator validates the required collaborators and applies
// defaults.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Bus == nil || cfg.Intel == nil || cfg.Scorer == nil {
		return nil, fmt.Errorf("triage: bus, intel and scorer are required")
	}
	if cfg.Narrator == nil {
		cfg.Narrator = TemplateNarrator{}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	cfg.Log = cfg.Log.With("component", "triage")
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.MaxIOCs <= 0 {
		cfg.MaxIOCs = DefaultMaxIOCs
	}
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = DefaultHistoryLookback
	}
	return &Coordinator{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Run subscribes the coordinator; delivery stops when ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.cfg.Bus.Subscribe(ctx, envelope.TopicAlertNormalized, Group, c.handle)
}

// handle processes one normalized alert. The result is published before
// the nil return acknowledges the message; a publish failure surfaces
// as a transient error so the broker redelivers.
func (c *Coordinator) handle(ctx context.Context, env *envelope.Envelope) (err error) {
	var a domain.Alert
	if err := env.Decode(&a); err != nil {
		return bus.Permanent("TriageError", err)
	}
	if a.AlertID == "" || a.Source == "" {
		return bus.Permanent("TriageError", fmt.Errorf("normalized alert without identity"))
	}

	ctx, done := c.cfg.Obs.TrackOperation(ctx, "triage.handle",
		attribute.String("alert.source", a.Source),
		attribute.String("alert.type", string(a.AlertType)))
	defer func() { done(err) }()

	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.Budget)
	defer cancel()

	intel := c.gatherIntel(budgetCtx, &a)
	hist := c.similarCount(budgetCtx, &a)

	result := c.compose(budgetCtx, &a, intel, hist)

	out, err := envelope.New(envelope.TopicTriageResult, a.AlertID, result)
	if err != nil {
		return bus.Permanent("TriageError", err)
	}
	// Publish on the subscription context, not the budget context: a
	// composed verdict is worth delivering even after the budget blew.
	if err := c.cfg.Bus.Publish(ctx, envelope.TopicTriageResult, out); err != nil {
		return fmt.Errorf("publish triage result for %s: %w", a.AlertID, err)
	}

	c.persist(ctx, &a, intel, result)
	c.cfg.Obs.TriageResult(ctx, result.ModelUsed == domain.ModelFallback)
	c.cfg.Log.Info("alert triaged",
		"alert_id", a.AlertID, "source", a.Source,
		"risk_score", result.RiskScore, "risk_level", result.RiskLevel,
		"model", result.ModelUsed)
	return nil
}

// gatherIntel queries aggregates for a bounded prefix of the alert's
// IOCs, in parallel.
func (c *Coordinator) gatherIntel(ctx context.Context, a *domain.Alert) map[string]*domain.AggregatedIntel {
	iocs := a.AllIOCs()
	if len(iocs) > c.cfg.MaxIOCs {
		iocs = iocs[:c.cfg.MaxIOCs]
	}
	if len(iocs) == 0 {
		return nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, intelParallelism)
		out = make(map[string]*domain.AggregatedIntel, len(iocs))
	)
	for _, item := range iocs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(item domain.IOC) {
			defer wg.Done()
			defer func() { <-sem }()
			agg := c.cfg.Intel.Aggregate(ctx, item.Type, item.Value)
			if agg == nil {
				return
			}
			mu.Lock()
			out[item.Value] = agg
			mu.Unlock()
		}(item)
	}
	wg.Wait()
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Coordinator) similarCount(ctx context.Context, a *domain.Alert) int {
	if c.cfg.Repos.History == nil {
		return 0
	}
	n, err := c.cfg.Repos.History.Similar(ctx, store.HistoryKey(a), c.cfg.HistoryLookback)
	if err != nil {
		c.cfg.Log.Warn("history lookup failed", "alert_id", a.AlertID, "err", err)
		return 0
	}
	return n
}

// compose scores the alert and assembles the result, degrading to the
// fallback verdict when scoring fails or the budget is exhausted.
func (c *Coordinator) compose(ctx context.Context, a *domain.Alert, intel map[string]*domain.AggregatedIntel, hist int) *domain.TriageResult {
	if err := ctx.Err(); err != nil {
		return c.fallback(ctx, a, fmt.Errorf("triage budget exceeded: %w", err))
	}

	out, err := c.cfg.Scorer.Score(scoring.Input{
		Alert:           a,
		Intel:           intel,
		HistoricalCount: hist,
	})
	if err != nil {
		return c.fallback(ctx, a, err)
	}

	narrative, nerr := c.cfg.Narrator.Summarize(ctx, a, intel, out)
	if nerr != nil {
		c.cfg.Log.Warn("narrator failed", "alert_id", a.AlertID, "err", nerr)
		narrative = ""
	}

	return &domain.TriageResult{
		AlertID:             a.AlertID,
		RiskScore:           out.Score,
		RiskLevel:           out.Level,
		Confidence:          out.Confidence,
		RequiresHumanReview: out.RequiresHumanReview,
		Breakdown:           out.Breakdown,
		Factors:             out.Factors,
		Remediation:         Remediation(a.AlertType, out.Level, out.RequiresHumanReview),
		IOCsIdentified:      a.NormalizedData.IOCsExtracted,
		ThreatIntelSummary:  narrative,
		CVEReferences:       ioc.ExtractCVEs(a.Description),
		ModelUsed:           ModelName,
		CreatedAt:           c.now(),
	}
}

// fallback is the degraded verdict: a fixed medium score that always
// reaches an analyst.
func (c *Coordinator) fallback(ctx context.Context, a *domain.Alert, cause error) *domain.TriageResult {
	c.cfg.Log.Error("scoring failed, using fallback verdict", "alert_id", a.AlertID, "err", cause)
	if aerr := c.cfg.Audit.Record(ctx, audit.EventFallback, a.AlertID, a.Source,
		map[string]any{"error": cause.Error()}); aerr != nil {
		c.cfg.Log.Warn("audit record failed", "err", aerr)
	}
	level := domain.RiskLevelMedium
	return &domain.TriageResult{
		AlertID:             a.AlertID,
		RiskScore:           50,
		RiskLevel:           level,
		Confidence:          0.3,
		RequiresHumanReview: true,
		Remediation:         Remediation(a.AlertType, level, true),
		IOCsIdentified:      a.NormalizedData.IOCsExtracted,
		CVEReferences:       ioc.ExtractCVEs(a.Description),
		ModelUsed:           domain.ModelFallback,
		CreatedAt:           c.now(),
		Error:               cause.Error(),
	}
}

// persist saves the alert, verdict, intel aggregates and history entry.
// All best-effort: the result is already on the wire.
func (c *Coordinator) persist(ctx context.Context, a *domain.Alert, intel map[string]*domain.AggregatedIntel, result *domain.TriageResult) {
	if c.cfg.Repos.Alerts != nil {
		if err := c.cfg.Repos.Alerts.Upsert(ctx, a); err != nil {
			c.cfg.Log.Warn("alert save failed", "alert_id", a.AlertID, "err", err)
		}
	}
	if c.cfg.Repos.Triage != nil {
		if err := c.cfg.Repos.Triage.Save(ctx, result); err != nil {
			c.cfg.Log.Warn("triage save failed", "alert_id", a.AlertID, "err", err)
		}
	}
	if c.cfg.Repos.Intel != nil {
		for _, agg := range intel {
			if err := c.cfg.Repos.Intel.UpsertByIOC(ctx, agg); err != nil {
				c.cfg.Log.Warn("intel save failed", "ioc", agg.IOC, "err", err)
			}
		}
	}
	if c.cfg.Repos.History != nil {
		if err := c.cfg.Repos.History.Record(ctx, store.HistoryKey(a), c.now()); err != nil {
			c.cfg.Log.Warn("history record failed", "alert_id", a.AlertID, "err", err)
		}
	}
}
