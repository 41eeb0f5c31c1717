package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// fieldAliases is the data-driven mapping table: canonical field name to
// the vendor spellings tried in priority order. Processors may layer
// vendor-specific aliases on top (see extraAliases in cef.go) but never
// reorder these.
var fieldAliases = map[string][]string{
	"source_ip":        {"src_ip", "source_ip", "src", "src_address", "srcAddress"},
	"target_ip":        {"dest_ip", "destination_ip", "dest", "dst_ip", "dst", "dstAddress"},
	"source_port":      {"src_port", "source_port", "srcPort"},
	"destination_port": {"dst_port", "dest_port", "destination_port", "dstPort"},
	"asset_id":         {"asset", "host", "hostname", "dest_host", "dhost"},
	"user_id":          {"user", "username", "account", "dest_user", "duser"},
	"file_hash":        {"file_hash", "hash", "md5", "sha1", "sha256", "fileHash"},
	"url":              {"url", "uri", "domain", "request"},
	"timestamp":        {"_time", "timestamp", "time", "event_time", "start_time", "rt", "deviceEventTime"},
}

// fields is a raw vendor payload with alias-aware accessors.
type fields map[string]any

// lookup returns the first alias of the canonical field present in the
// payload, searching extra vendor aliases after the shared table.
func (f fields) lookup(canonical string, extra ...string) (any, bool) {
	for _, key := range fieldAliases[canonical] {
		if v, ok := f[key]; ok && v != nil {
			return v, true
		}
	}
	for _, key := range extra {
		if v, ok := f[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// str resolves the canonical field to a trimmed string.
func (f fields) str(canonical string, extra ...string) (string, bool) {
	v, ok := f.lookup(canonical, extra...)
	if !ok {
		return "", false
	}
	s := strings.TrimSpace(toString(v))
	return s, s != ""
}

// firstString tries literal payload keys (not canonical aliases) in order.
func (f fields) firstString(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := f[key]; ok && v != nil {
			if s := strings.TrimSpace(toString(v)); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// port resolves the canonical field to a TCP/UDP port, rejecting values
// outside 0-65535.
func (f fields) port(canonical string, extra ...string) (int, bool) {
	v, ok := f.lookup(canonical, extra...)
	if !ok {
		return 0, false
	}
	n, ok := toNumber(v)
	if !ok {
		return 0, false
	}
	p := int(n)
	if p < 0 || p > 65535 || float64(p) != n {
		return 0, false
	}
	return p, true
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers; render integers without exponent noise.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		n, err := t.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	default:
		return 0, false
	}
}
