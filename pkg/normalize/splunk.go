package normalize

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// Splunk parses flat key/value Splunk alert payloads. It doubles as the
// fallback processor for unknown sources, so it tolerates nearly
// anything map-shaped.
type Splunk struct {
	now func() time.Time
}

// NewSplunk returns the Splunk processor.
func NewSplunk() *Splunk {
	return &Splunk{now: time.Now}
}

func (s *Splunk) Source() string { return "splunk" }

// Process builds a canonical alert from a Splunk result row.
func (s *Splunk) Process(_ context.Context, raw map[string]any) (*domain.Alert, error) {
	if len(raw) == 0 {
		return nil, &Error{Source: s.Source(), Reason: "empty payload"}
	}
	f := fields(raw)
	now := s.now().UTC()

	a := &domain.Alert{
		Source:  s.Source(),
		RawData: raw,
		NormalizedData: domain.NormalizedData{
			SourceType:   s.Source(),
			NormalizedAt: now,
		},
	}

	id, ok := f.firstString("alert_id", "search_id", "sid", "id", "event_id")
	if !ok {
		id = uuid.NewString()
		a.NormalizedData.Notes = append(a.NormalizedData.Notes, "generated_alert_id")
	}
	a.AlertID = id
	a.SourceRef = "SPLUNK-" + id

	a.Severity = splunkSeverity(f)
	if v, ok := f.firstString("alert_type", "category", "type", "signature", "search_name"); ok {
		a.AlertType = domain.ParseAlertType(v)
	} else {
		a.AlertType = domain.AlertTypeOther
	}

	desc, _ := f.firstString("description", "message", "msg", "event", "_raw")
	a.Description = sanitizeDescription(desc)

	notes := applyCommonFields(a, f, now, nil)
	a.NormalizedData.Notes = append(a.NormalizedData.Notes, notes...)
	attachIOCs(a, raw)
	return a, nil
}

// splunkSeverity accepts both the textual levels and the 0-10 urgency
// scale, whichever the saved search emitted.
func splunkSeverity(f fields) domain.Severity {
	v, ok := f.firstString("severity", "urgency", "priority")
	if !ok {
		return domain.DefaultSeverity
	}
	if n, isNum := toNumber(v); isNum {
		return domain.SeverityFromScale(n)
	}
	return domain.ParseSeverity(strings.ToLower(v))
}
