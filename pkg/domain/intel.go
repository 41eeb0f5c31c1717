package domain

import "time"

// ThreatLevel grades an intel aggregate. Unlike risk levels the bottom of
// the scale is "safe": an IOC no responding source flagged.
type ThreatLevel string

const (
	ThreatLevelCritical ThreatLevel = "critical"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelSafe     ThreatLevel = "safe"
)

// IntelResult is a single provider's verdict for one IOC. Mock results are
// emitted when the provider has no credential or failed; they count as a
// response with no detection so the pipeline keeps moving.
type IntelResult struct {
	Source        string    `json:"source"`
	IOC           string    `json:"ioc"`
	IOCType       IOCType   `json:"ioc_type"`
	Detected      bool      `json:"detected"`
	DetectionRate float64   `json:"detection_rate"`
	Tags          []string  `json:"tags,omitempty"`
	Mock          bool      `json:"mock,omitempty"`
	QueriedAt     time.Time `json:"queried_at"`
}

// Detection is the per-source entry of an aggregate's detections list.
type Detection struct {
	Source        string  `json:"source"`
	DetectionRate float64 `json:"detection_rate"`
}

// AggregatedIntel is the weighted consensus over all queried providers for
// one IOC. detected_by_count never exceeds total_sources; confidence is
// responded/queried.
type AggregatedIntel struct {
	IOC             string      `json:"ioc"`
	IOCType         IOCType     `json:"ioc_type"`
	AggregateScore  float64     `json:"aggregate_score"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
	DetectedByCount int         `json:"detected_by_count"`
	TotalSources    int         `json:"total_sources"`
	Detections      []Detection `json:"detections"`
	Tags            []string    `json:"tags"`
	Confidence      float64     `json:"confidence"`
	QueriedAt       time.Time   `json:"queried_at"`
}

// Detected reports whether any responding source flagged the IOC.
func (a *AggregatedIntel) Detected() bool {
	return a != nil && a.DetectedByCount > 0
}
