package triage

import (
	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// Remediation builds the ordered action list for a verdict from a
// static table keyed by alert type, scaled by risk level. The list is
// never empty; verdicts that require review get an escalation step
// first.
func Remediation(alertType domain.AlertType, level domain.RiskLevel, review bool) []domain.RemediationStep {
	urgent := level == domain.RiskLevelCritical || level == domain.RiskLevelHigh

	var steps []domain.RemediationStep
	switch alertType {
	case domain.AlertTypeMalware:
		steps = append(steps, domain.RemediationStep{
			Action: "isolate affected host from the network", Priority: priorityFor(level, domain.PriorityImmediate), Automated: urgent, Owner: "soc",
		}, domain.RemediationStep{
			Action: "block file hash at endpoint controls", Priority: priorityFor(level, domain.PriorityCritical), Automated: true, Owner: "soc",
		}, domain.RemediationStep{
			Action: "run full antimalware scan on the host", Priority: domain.PriorityHigh, Owner: "it-ops",
		})
	case domain.AlertTypePhishing:
		steps = append(steps, domain.RemediationStep{
			Action: "quarantine the message across mailboxes", Priority: priorityFor(level, domain.PriorityCritical), Automated: true, Owner: "soc",
		}, domain.RemediationStep{
			Action: "block sender domain and embedded URLs", Priority: domain.PriorityHigh, Automated: true, Owner: "soc",
		}, domain.RemediationStep{
			Action: "notify targeted users", Priority: domain.PriorityMedium, Owner: "helpdesk",
		})
	case domain.AlertTypeBruteForce:
		steps = append(steps, domain.RemediationStep{
			Action: "block source IP at the perimeter", Priority: priorityFor(level, domain.PriorityHigh), Automated: true, Owner: "netops",
		}, domain.RemediationStep{
			Action: "force credential reset for the targeted account", Priority: domain.PriorityHigh, Owner: "iam",
		})
	case domain.AlertTypeDDoS:
		steps = append(steps, domain.RemediationStep{
			Action: "enable upstream traffic scrubbing", Priority: priorityFor(level, domain.PriorityCritical), Automated: true, Owner: "netops",
		}, domain.RemediationStep{
			Action: "rate-limit the targeted service", Priority: domain.PriorityHigh, Automated: true, Owner: "netops",
		})
	case domain.AlertTypeDataExfiltration:
		steps = append(steps, domain.RemediationStep{
			Action: "isolate affected host from the network", Priority: priorityFor(level, domain.PriorityImmediate), Automated: urgent, Owner: "soc",
		}, domain.RemediationStep{
			Action: "revoke active sessions and credentials for the involved account", Priority: priorityFor(level, domain.PriorityCritical), Owner: "iam",
		}, domain.RemediationStep{
			Action: "preserve network capture for forensics", Priority: domain.PriorityHigh, Owner: "soc",
		})
	case domain.AlertTypeUnauthorizedAccess:
		steps = append(steps, domain.RemediationStep{
			Action: "disable the involved account pending review", Priority: priorityFor(level, domain.PriorityCritical), Owner: "iam",
		}, domain.RemediationStep{
			Action: "review authentication logs for the asset", Priority: domain.PriorityHigh, Owner: "soc",
		})
	default:
		steps = append(steps, domain.RemediationStep{
			Action: "review alert context and confirm classification", Priority: priorityFor(level, domain.PriorityMedium), Owner: "soc",
		})
	}

	steps = append(steps, domain.RemediationStep{
		Action: "open incident ticket and record disposition", Priority: domain.PriorityLow, Owner: "soc",
	})

	if review {
		steps = append([]domain.RemediationStep{{
			Action: "escalate to analyst for human review", Priority: priorityFor(level, domain.PriorityHigh), Owner: "soc",
		}}, steps...)
	}
	return steps
}

// priorityFor caps a step's table priority by the verdict level: a low
// risk verdict never carries immediate steps.
func priorityFor(level domain.RiskLevel, tablePriority string) string {
	switch level {
	case domain.RiskLevelCritical:
		return tablePriority
	case domain.RiskLevelHigh:
		if tablePriority == domain.PriorityImmediate {
			return domain.PriorityCritical
		}
		return tablePriority
	case domain.RiskLevelMedium:
		switch tablePriority {
		case domain.PriorityImmediate, domain.PriorityCritical:
			return domain.PriorityHigh
		}
		return tablePriority
	default:
		switch tablePriority {
		case domain.PriorityImmediate, domain.PriorityCritical, domain.PriorityHigh:
			return domain.PriorityMedium
		}
		return tablePriority
	}
}
