// Package domain holds the canonical alert model and the shared enums the
// pipeline stages exchange: severities, alert types, IOC kinds, threat
// levels, and the triage result record.
package domain

import (
	"strings"
	"time"
)

// Severity is the canonical alert severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// DefaultSeverity is assigned when a vendor value cannot be interpreted.
const DefaultSeverity = SeverityMedium

// ParseSeverity maps a vendor severity word onto the canonical enum.
// Unknown values map to DefaultSeverity; parsing never fails.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit", "fatal":
		return SeverityCritical
	case "high", "error", "err":
		return SeverityHigh
	case "medium", "med", "warning", "warn":
		return SeverityMedium
	case "low", "notice":
		return SeverityLow
	case "info", "informational", "debug":
		return SeverityInfo
	case "":
		return DefaultSeverity
	default:
		return DefaultSeverity
	}
}

// SeverityFromScale maps a numeric vendor severity on the 0-10 scale onto
// the enum by flooring through the severity score table: the value is
// scaled to 0-100 and the highest enum whose score does not exceed it wins.
func SeverityFromScale(v float64) Severity {
	s := v * 10
	switch {
	case s >= 100:
		return SeverityCritical
	case s >= 80:
		return SeverityHigh
	case s >= 50:
		return SeverityMedium
	case s >= 30:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Score returns the 0-100 component score for the severity.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 80
	case SeverityMedium:
		return 50
	case SeverityLow:
		return 30
	case SeverityInfo:
		return 10
	default:
		return 50
	}
}

// Valid reports whether s is one of the canonical severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// AlertType is the canonical alert classification.
type AlertType string

const (
	AlertTypeMalware            AlertType = "malware"
	AlertTypePhishing           AlertType = "phishing"
	AlertTypeBruteForce         AlertType = "brute_force"
	AlertTypeDDoS               AlertType = "ddos"
	AlertTypeDataExfiltration   AlertType = "data_exfiltration"
	AlertTypeUnauthorizedAccess AlertType = "unauthorized_access"
	AlertTypeAnomaly            AlertType = "anomaly"
	AlertTypeOther              AlertType = "other"
)

// ParseAlertType normalizes a vendor alert-type word: lower-cased, with
// dashes and spaces collapsed to underscores. Exact matches win; otherwise
// a keyword scan catches vendor phrasings like "Malware Detected". Unknown
// words map to AlertTypeOther; parsing never fails.
func ParseAlertType(s string) AlertType {
	w := strings.ToLower(strings.TrimSpace(s))
	w = strings.ReplaceAll(w, "-", "_")
	w = strings.ReplaceAll(w, " ", "_")
	switch AlertType(w) {
	case AlertTypeMalware, AlertTypePhishing, AlertTypeBruteForce, AlertTypeDDoS,
		AlertTypeDataExfiltration, AlertTypeUnauthorizedAccess, AlertTypeAnomaly, AlertTypeOther:
		return AlertType(w)
	}
	for _, kw := range typeKeywords {
		if strings.Contains(w, kw.word) {
			return kw.t
		}
	}
	return AlertTypeOther
}

// typeKeywords is scanned in order; more specific phrasings come first so
// "unauthorized data exfiltration" lands on exfiltration, not access.
var typeKeywords = []struct {
	word string
	t    AlertType
}{
	{"exfil", AlertTypeDataExfiltration},
	{"malware", AlertTypeMalware},
	{"virus", AlertTypeMalware},
	{"trojan", AlertTypeMalware},
	{"ransomware", AlertTypeMalware},
	{"phish", AlertTypePhishing},
	{"brute", AlertTypeBruteForce},
	{"ddos", AlertTypeDDoS},
	{"denial_of_service", AlertTypeDDoS},
	{"unauthorized", AlertTypeUnauthorizedAccess},
	{"anomal", AlertTypeAnomaly},
}

// Valid reports whether t is one of the canonical alert types.
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypeMalware, AlertTypePhishing, AlertTypeBruteForce, AlertTypeDDoS,
		AlertTypeDataExfiltration, AlertTypeUnauthorizedAccess, AlertTypeAnomaly, AlertTypeOther:
		return true
	}
	return false
}

// MaxDescriptionLen bounds the canonical description field.
const MaxDescriptionLen = 2000

// MaxFutureSkew bounds how far ahead of wall clock an alert timestamp may
// sit before it is clamped during normalization.
const MaxFutureSkew = 5 * time.Minute

// NormalizedData carries processing metadata attached by the normalizer.
type NormalizedData struct {
	IOCsExtracted map[IOCType][]string `json:"iocs_extracted"`
	SourceType    string               `json:"source_type"`
	NormalizedAt  time.Time            `json:"normalized_at"`

	// Aggregation fields, set only on window-close emissions that merged
	// more than one alert.
	OccurrenceCount   int      `json:"occurrence_count,omitempty"`
	AggregatedAlertID []string `json:"aggregated_alert_ids,omitempty"`

	Notes []string `json:"notes,omitempty"`
}

// Alert is the canonical form every vendor payload is normalized into.
// alert_id is the vendor's own identifier, unique within a source and
// stable across retries; (source, alert_id) identifies the alert globally.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	Timestamp   time.Time `json:"timestamp"`
	AlertType   AlertType `json:"alert_type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`

	SourceIP        string `json:"source_ip,omitempty"`
	TargetIP        string `json:"target_ip,omitempty"`
	SourcePort      int    `json:"source_port,omitempty"`
	DestinationPort int    `json:"destination_port,omitempty"`
	Protocol        string `json:"protocol,omitempty"`
	AssetID         string `json:"asset_id,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	FileHash        string `json:"file_hash,omitempty"`
	URL             string `json:"url,omitempty"`
	Domain          string `json:"domain,omitempty"`

	Source    string `json:"source"`
	SourceRef string `json:"source_ref,omitempty"`

	RawData        map[string]any `json:"raw_data"`
	NormalizedData NormalizedData `json:"normalized_data"`
}

// Key returns the (source, alert_id) identity tuple as a single string.
func (a *Alert) Key() string {
	return a.Source + ":" + a.AlertID
}

// IOCs returns the extracted IOC values of one kind, nil when absent.
func (a *Alert) IOCs(kind IOCType) []string {
	if a.NormalizedData.IOCsExtracted == nil {
		return nil
	}
	return a.NormalizedData.IOCsExtracted[kind]
}

// AllIOCs flattens the extracted IOC map in priority order: hashes first,
// then IPs, URLs, domains, emails. The order matters to the coordinator,
// which queries intel for a bounded prefix of the list.
func (a *Alert) AllIOCs() []IOC {
	var out []IOC
	for _, kind := range iocPriority {
		for _, v := range a.IOCs(kind) {
			out = append(out, IOC{Type: kind, Value: v})
		}
	}
	return out
}

var iocPriority = []IOCType{
	IOCTypeSHA256, IOCTypeSHA1, IOCTypeMD5,
	IOCTypeIP, IOCTypeURL, IOCTypeDomain, IOCTypeEmail,
}
