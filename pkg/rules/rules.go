// Package rules evaluates operator-defined suppression and escalation
// rules against normalized alerts. Rules are CEL boolean expressions
// loaded from a YAML file and compiled once at startup; a rule that
// fails to compile fails the load, a rule that fails at evaluation time
// is skipped so a bad expression can drop noise but never alerts.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// Rule actions.
const (
	ActionSuppress = "suppress"
	ActionEscalate = "escalate"
)

// Rule is one YAML entry. Expr is a CEL boolean over the alert fields;
// Severity applies only to escalate rules and names the severity the
// alert is raised to.
type Rule struct {
	Name     string `yaml:"name"`
	Expr     string `yaml:"expr"`
	Action   string `yaml:"action"`
	Severity string `yaml:"severity,omitempty"`
}

// ruleFile is the YAML document shape.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	rule     Rule
	program  cel.Program
	severity domain.Severity
}

// Decision is the outcome of running an alert through the rule set.
type Decision struct {
	// Suppress drops the alert from the pipeline (audited, not
	// dead-lettered). Rule names the matching rule.
	Suppress bool
	// Escalated reports that a rule raised the alert's severity.
	Escalated bool
	Rule      string
}

// Engine holds the compiled rule set. A nil Engine applies no rules, so
// callers need no guard when the stage is unconfigured.
type Engine struct {
	rules []compiledRule
	log   *slog.Logger
}

// Load reads and compiles a YAML rule file. An empty path returns a nil
// engine: the stage becomes a no-op.
func Load(path string, log *slog.Logger) (*Engine, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(raw, log)
}

// Parse compiles a YAML rule document.
func Parse(raw []byte, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("rules: parse yaml: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("source", cel.StringType),
		cel.Variable("alert_type", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("source_ip", cel.StringType),
		cel.Variable("target_ip", cel.StringType),
		cel.Variable("asset_id", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("description", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: create cel environment: %w", err)
	}

	e := &Engine{log: log.With("component", "rules")}
	for i, r := range f.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rules: rule %d has no name", i)
		}
		switch r.Action {
		case ActionSuppress:
		case ActionEscalate:
			if !domain.Severity(strings.ToLower(strings.TrimSpace(r.Severity))).Valid() {
				return nil, fmt.Errorf("rules: rule %q: escalate needs a valid severity, got %q", r.Name, r.Severity)
			}
		default:
			return nil, fmt.Errorf("rules: rule %q: unknown action %q", r.Name, r.Action)
		}

		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rules: rule %q: compile: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rules: rule %q: program: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{
			rule:     r,
			program:  prg,
			severity: domain.ParseSeverity(r.Severity),
		})
	}
	return e, nil
}

// Len reports the number of loaded rules.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply runs the alert through the rule set in file order. The first
// matching suppress rule wins; escalate rules raise severity in place
// (only upward) and evaluation continues. Evaluation errors skip the
// rule.
func (e *Engine) Apply(a *domain.Alert) Decision {
	if e == nil || len(e.rules) == 0 {
		return Decision{}
	}
	input := map[string]any{
		"source":      a.Source,
		"alert_type":  string(a.AlertType),
		"severity":    string(a.Severity),
		"source_ip":   a.SourceIP,
		"target_ip":   a.TargetIP,
		"asset_id":    a.AssetID,
		"user_id":     a.UserID,
		"description": a.Description,
	}

	var d Decision
	for _, cr := range e.rules {
		out, _, err := cr.program.Eval(input)
		if err != nil {
			e.log.Warn("rule evaluation failed, skipping",
				"rule", cr.rule.Name, "alert_id", a.AlertID, "err", err)
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		if cr.rule.Action == ActionSuppress {
			d.Suppress = true
			d.Rule = cr.rule.Name
			return d
		}
		if cr.severity.Score() > a.Severity.Score() {
			a.Severity = cr.severity
			a.NormalizedData.Notes = append(a.NormalizedData.Notes,
				"escalated_by_rule:"+cr.rule.Name)
			d.Escalated = true
			d.Rule = cr.rule.Name
		}
	}
	return d
}
