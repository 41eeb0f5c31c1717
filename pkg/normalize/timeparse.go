package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// timeLayouts is tried in order until one parses. Zone-less layouts are
// read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05 -0700 MST",
	"01/02/2006 15:04:05",
	"2006-01-02",
	"Jan _2 15:04:05",
}

// Timestamp notes recorded in normalized_data when coercion degraded.
const (
	noteTimestampMissing = "timestamp_missing"
	noteTimestampInvalid = "timestamp_unparseable"
	noteTimestampClamped = "timestamp_future_clamped"
)

// parseTimestamp coerces a vendor timestamp value. Numbers (and numeric
// strings) are Unix epochs, milliseconds when above 10^12; strings walk
// the layout list. A timestamp more than five minutes ahead of wall clock
// is clamped to now. The note is empty on a clean parse.
func parseTimestamp(v any, now time.Time) (time.Time, string) {
	if v == nil {
		return now, noteTimestampMissing
	}

	if n, ok := toNumber(v); ok {
		return clampFuture(fromEpoch(n), now)
	}

	s := strings.TrimSpace(toString(v))
	if s == "" {
		return now, noteTimestampMissing
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return clampFuture(fromEpoch(n), now)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() == 0 {
				// Syslog layouts carry no year.
				t = t.AddDate(now.Year(), 0, 0)
			}
			return clampFuture(t.UTC(), now)
		}
	}
	return now, noteTimestampInvalid
}

// fromEpoch detects the unit by magnitude: values above 10^12 are
// milliseconds since epoch, everything else seconds.
func fromEpoch(n float64) time.Time {
	if n > 1e12 {
		ms := int64(n)
		return time.UnixMilli(ms).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func clampFuture(t, now time.Time) (time.Time, string) {
	if t.After(now.Add(domain.MaxFutureSkew)) {
		return now.UTC(), noteTimestampClamped
	}
	return t, ""
}
