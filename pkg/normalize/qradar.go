package normalize

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// QRadar parses QRadar offense payloads: integer severities on the 0-10
// scale refined by the offense magnitude, and epoch-millisecond
// timestamps.
type QRadar struct {
	now func() time.Time
}

// NewQRadar returns the QRadar processor.
func NewQRadar() *QRadar {
	return &QRadar{now: time.Now}
}

func (q *QRadar) Source() string { return "qradar" }

// Process builds a canonical alert from an offense record.
func (q *QRadar) Process(_ context.Context, raw map[string]any) (*domain.Alert, error) {
	if len(raw) == 0 {
		return nil, &Error{Source: q.Source(), Reason: "empty payload"}
	}
	f := fields(raw)
	now := q.now().UTC()

	a := &domain.Alert{
		Source:  q.Source(),
		RawData: raw,
		NormalizedData: domain.NormalizedData{
			SourceType:   q.Source(),
			NormalizedAt: now,
		},
	}

	id, ok := f.firstString("offense_id", "id", "alert_id")
	if !ok {
		id = uuid.NewString()
		a.NormalizedData.Notes = append(a.NormalizedData.Notes, "generated_alert_id")
	}
	a.AlertID = id
	a.SourceRef = "QRADAR-" + id

	a.Severity = qradarSeverity(f)
	if v, ok := f.firstString("offense_type", "category", "type", "alert_type"); ok {
		a.AlertType = domain.ParseAlertType(v)
	} else {
		a.AlertType = domain.AlertTypeOther
	}

	desc, _ := f.firstString("description", "offense_source", "message", "msg")
	a.Description = sanitizeDescription(desc)

	notes := applyCommonFields(a, f, now, nil)
	a.NormalizedData.Notes = append(a.NormalizedData.Notes, notes...)
	attachIOCs(a, raw)
	return a, nil
}

// qradarSeverity maps the 0-10 severity, then lets the offense magnitude
// move a medium result one step: high magnitude upgrades, low magnitude
// downgrades. Severities outside medium never move.
func qradarSeverity(f fields) domain.Severity {
	sev := domain.DefaultSeverity
	if v, ok := f.firstString("severity", "urgency"); ok {
		if n, isNum := toNumber(v); isNum {
			sev = domain.SeverityFromScale(n)
		} else {
			sev = domain.ParseSeverity(v)
		}
	}
	if sev != domain.SeverityMedium {
		return sev
	}
	switch magnitude(f) {
	case "high":
		return domain.SeverityHigh
	case "low":
		return domain.SeverityLow
	default:
		return sev
	}
}

// magnitude normalizes the offense magnitude to low/medium/high. QRadar
// emits it either as a word or on its own 0-10 scale.
func magnitude(f fields) string {
	v, ok := f.firstString("magnitude")
	if !ok {
		return ""
	}
	if n, isNum := toNumber(v); isNum {
		switch {
		case n >= 8:
			return "high"
		case n <= 3:
			return "low"
		default:
			return "medium"
		}
	}
	switch domain.ParseSeverity(v) {
	case domain.SeverityCritical, domain.SeverityHigh:
		return "high"
	case domain.SeverityLow, domain.SeverityInfo:
		return "low"
	default:
		return "medium"
	}
}
