package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// CEF parses Common Event Format lines, delivered either bare or under a
// message/cef_message key. The pipe-delimited header carries exactly
// eight fields; the trailing extension is an ordered list of key=value
// pairs with backslash escapes and optionally quoted values.
type CEF struct {
	now func() time.Time
}

// NewCEF returns the CEF processor.
func NewCEF() *CEF {
	return &CEF{now: time.Now}
}

func (c *CEF) Source() string { return "cef" }

// cefExtraAliases layers the CEF dictionary keys the shared table does
// not spell onto the canonical fields.
var cefExtraAliases = map[string][]string{
	"source_port":      {"spt"},
	"destination_port": {"dpt"},
	"user_id":          {"suser"},
	"asset_id":         {"shost", "dvchost"},
	"timestamp":        {"start", "end"},
}

// Process builds a canonical alert from a CEF line.
func (c *CEF) Process(_ context.Context, raw map[string]any) (*domain.Alert, error) {
	if len(raw) == 0 {
		return nil, &Error{Source: c.Source(), Reason: "empty payload"}
	}
	f := fields(raw)
	line, ok := f.firstString("message", "cef_message", "raw", "_raw")
	if !ok {
		return nil, &Error{Source: c.Source(), Reason: "no CEF message field"}
	}

	ev, err := ParseCEF(line)
	if err != nil {
		return nil, &Error{Source: c.Source(), Reason: "malformed CEF", Err: err}
	}

	now := c.now().UTC()
	a := &domain.Alert{
		Source:  c.Source(),
		RawData: raw,
		NormalizedData: domain.NormalizedData{
			SourceType:   c.Source(),
			NormalizedAt: now,
		},
	}

	ext := fields(ev.ExtensionMap())

	id, ok := ext.firstString("externalId", "eventId")
	if !ok {
		// CEF carries no event id; hash the line so redeliveries of the
		// same event dedup while distinct events do not.
		sum := sha256.Sum256([]byte(line))
		id = hex.EncodeToString(sum[:8])
		a.NormalizedData.Notes = append(a.NormalizedData.Notes, "content_derived_alert_id")
	}
	a.AlertID = id
	a.SourceRef = fmt.Sprintf("CEF-%s-%s-%s", ev.DeviceVendor, ev.DeviceProduct, ev.SignatureID)

	a.Severity = cefSeverity(ev.Severity)
	a.AlertType = domain.ParseAlertType(ev.Name)

	desc, ok := ext.firstString("msg", "message")
	if !ok {
		desc = ev.Name
	}
	a.Description = sanitizeDescription(desc)

	notes := applyCommonFields(a, ext, now, cefExtraAliases)
	a.NormalizedData.Notes = append(a.NormalizedData.Notes, notes...)
	attachIOCs(a, raw)
	return a, nil
}

// cefSeverity accepts the 0-10 scale and the textual levels, including
// the Very-High spelling some devices emit.
func cefSeverity(v string) domain.Severity {
	if n, ok := toNumber(v); ok {
		return domain.SeverityFromScale(n)
	}
	if strings.Contains(strings.ToLower(v), "very") {
		return domain.SeverityCritical
	}
	return domain.ParseSeverity(v)
}

// KV is one extension pair, order significant.
type KV struct {
	Key   string
	Value string
}

// CEFEvent is a parsed CEF line.
type CEFEvent struct {
	Version       int
	DeviceVendor  string
	DeviceProduct string
	DeviceVersion string
	SignatureID   string
	Name          string
	Severity      string
	Extension     []KV
}

// ExtensionMap flattens the pairs for alias lookups; on duplicate keys
// the first occurrence wins.
func (e *CEFEvent) ExtensionMap() map[string]any {
	m := make(map[string]any, len(e.Extension))
	for _, kv := range e.Extension {
		if _, dup := m[kv.Key]; !dup {
			m[kv.Key] = kv.Value
		}
	}
	return m
}

// ParseCEF splits a CEF line into its eight header fields and ordered
// extension pairs. A syslog preamble before "CEF:" is tolerated.
func ParseCEF(line string) (*CEFEvent, error) {
	idx := strings.Index(line, "CEF:")
	if idx < 0 {
		return nil, fmt.Errorf("no CEF: marker")
	}
	rest := line[idx+len("CEF:"):]

	parts, err := splitHeader(rest)
	if err != nil {
		return nil, err
	}

	version, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("header version %q: %w", parts[0], err)
	}

	ev := &CEFEvent{
		Version:       version,
		DeviceVendor:  unescapeHeader(parts[1]),
		DeviceProduct: unescapeHeader(parts[2]),
		DeviceVersion: unescapeHeader(parts[3]),
		SignatureID:   unescapeHeader(parts[4]),
		Name:          unescapeHeader(parts[5]),
		Severity:      strings.TrimSpace(parts[6]),
		Extension:     parseExtension(parts[7]),
	}
	return ev, nil
}

// splitHeader cuts the post-marker text on the first seven unescaped
// pipes; the eighth field is the extension and keeps any further pipes.
func splitHeader(s string) ([]string, error) {
	parts := make([]string, 0, 8)
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			cur.WriteByte('\\')
			cur.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '|':
			parts = append(parts, cur.String())
			cur.Reset()
			if len(parts) == 7 {
				// Everything after the seventh pipe is the extension.
				rest := s[headerPrefixLen(parts):]
				parts = append(parts, rest)
				return parts, nil
			}
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		cur.WriteByte('\\')
	}
	parts = append(parts, cur.String())
	if len(parts) != 8 {
		return nil, fmt.Errorf("header has %d fields, want 8", len(parts))
	}
	return parts, nil
}

// headerPrefixLen measures the consumed prefix: the seven fields plus
// their delimiting pipes, in raw (still escaped) form.
func headerPrefixLen(parts []string) int {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	return n
}

func unescapeHeader(s string) string {
	s = strings.ReplaceAll(s, `\|`, "|")
	s = strings.ReplaceAll(s, `\\`, `\`)
	return strings.TrimSpace(s)
}

// parseExtension tokenizes key=value pairs: whitespace outside double
// quotes delimits pairs, quoted values may contain spaces, and
// backslashes escape within values. A token without '=' extends the
// previous value (lenient towards unquoted free text).
func parseExtension(s string) []KV {
	var pairs []KV
	for _, tok := range tokenizeExtension(s) {
		eq := indexUnescaped(tok, '=')
		if eq <= 0 {
			if len(pairs) > 0 {
				pairs[len(pairs)-1].Value += " " + unescapeValue(tok)
			}
			continue
		}
		key := tok[:eq]
		pairs = append(pairs, KV{Key: key, Value: unescapeValue(tok[eq+1:])})
	}
	return pairs
}

func tokenizeExtension(s string) []string {
	var toks []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteByte('\\')
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case (r == ' ' || r == '\t') && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		cur.WriteByte('\\')
	}
	flush()
	return toks
}

func indexUnescaped(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == c {
			return i
		}
	}
	return -1
}

func unescapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case '=', '\\', '"', '|':
				b.WriteByte(s[i])
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// SerializeExtension renders pairs back to wire form in their original
// order, quoting values that contain spaces.
func SerializeExtension(pairs []KV) string {
	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv.Key)
		b.WriteByte('=')
		v := escapeValue(kv.Value)
		if strings.ContainsAny(kv.Value, " \t") {
			b.WriteByte('"')
			b.WriteString(v)
			b.WriteByte('"')
		} else {
			b.WriteString(v)
		}
	}
	return b.String()
}

func escapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '=':
			b.WriteString(`\=`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
