// Package ioc extracts and validates indicators of compromise from alert
// text. The recognizers are compiled once and stateless, safe to share
// across concurrent alerts.
package ioc

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

var (
	// Octet-strict dotted quad.
	reIPv4 = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])\b`)

	// Hex digests bucketed by length. Word boundaries keep a shorter
	// pattern from matching inside a longer digest.
	reMD5    = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)
	reSHA1   = regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`)
	reSHA256 = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)

	reURL = regexp.MustCompile(`https?://[^\s<>"']+`)

	// DNS labels, at least two, ending in one of the known TLDs.
	reDomain = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+(?:com|org|net|edu|gov|mil|io|co|uk)\b`)

	reEmail = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)

	reCVE = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
)

// recognizers pairs each IOC kind with its pattern and canonicalizer, in
// extraction order: longest hash first so digests land in one bucket only.
var recognizers = []struct {
	kind  domain.IOCType
	re    *regexp.Regexp
	canon func(string) string
}{
	{domain.IOCTypeSHA256, reSHA256, strings.ToLower},
	{domain.IOCTypeSHA1, reSHA1, strings.ToLower},
	{domain.IOCTypeMD5, reMD5, strings.ToLower},
	{domain.IOCTypeIP, reIPv4, func(s string) string { return s }},
	{domain.IOCTypeURL, reURL, func(s string) string { return s }},
	{domain.IOCTypeDomain, reDomain, strings.ToLower},
	{domain.IOCTypeEmail, reEmail, strings.ToLower},
}

// Extract scans text and returns the matched IOCs as per-kind sets:
// duplicates collapse, first-seen order is preserved.
func Extract(text string) map[domain.IOCType][]string {
	out := make(map[domain.IOCType][]string)
	for _, r := range recognizers {
		matches := r.re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(matches))
		var vals []string
		for _, m := range matches {
			v := r.canon(m)
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			vals = append(vals, v)
		}
		out[r.kind] = vals
	}
	return out
}

// Merge inserts value into the set for kind, validating it first. Invalid
// values are reported so the caller can log and drop them; the set is
// never corrupted by a bad insert.
func Merge(sets map[domain.IOCType][]string, kind domain.IOCType, value string) error {
	v, err := Validate(kind, value)
	if err != nil {
		return err
	}
	for _, existing := range sets[kind] {
		if existing == v {
			return nil
		}
	}
	sets[kind] = append(sets[kind], v)
	return nil
}

// ValidationError reports an IOC that failed its kind's syntax; the
// offending value is dropped and processing continues.
type ValidationError struct {
	Kind  domain.IOCType
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s indicator %q", e.Kind, e.Value)
}

// Validate checks value against the syntax of kind and returns the
// canonical form (hashes, domains, and emails are lower-cased).
func Validate(kind domain.IOCType, value string) (string, error) {
	value = strings.TrimSpace(value)
	for _, r := range recognizers {
		if r.kind != kind {
			continue
		}
		v := r.canon(value)
		if m := r.re.FindString(v); m != v || v == "" {
			return "", &ValidationError{Kind: kind, Value: value}
		}
		return v, nil
	}
	return "", &ValidationError{Kind: kind, Value: value}
}

// DetectType classifies a bare indicator: hex digests by length, then
// dotted-quad, then URL prefix; anything else is treated as a domain.
func DetectType(value string) domain.IOCType {
	v := strings.TrimSpace(value)
	if isHex(v) {
		if t, ok := domain.HashTypeForLength(len(v)); ok {
			return t
		}
	}
	if strings.Count(v, ".") >= 3 && isDigitsAndDots(v) {
		return domain.IOCTypeIP
	}
	if strings.HasPrefix(strings.ToLower(v), "http") {
		return domain.IOCTypeURL
	}
	return domain.IOCTypeDomain
}

// ExtractCVEs returns the de-duplicated CVE identifiers mentioned in text.
func ExtractCVEs(text string) []string {
	matches := reCVE.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		m = strings.ToUpper(m)
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func isDigitsAndDots(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}
