// Package normalize turns vendor alert payloads into canonical alerts.
// One processor per vendor format; a data-driven alias table maps vendor
// field spellings onto the canonical schema; timestamp coercion, severity
// mapping, and IOC extraction are shared. Processors are total: anything
// short of an unusable payload yields an alert with defaults rather than
// an error.
package normalize

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/ioc"
)

// Processor parses one vendor format.
type Processor interface {
	Source() string
	Process(ctx context.Context, raw map[string]any) (*domain.Alert, error)
}

// Registry dispatches payloads to processors by source name. Unknown
// sources fall back to the Splunk processor, the most lenient of the
// three, and the fallback is recorded on the alert.
type Registry struct {
	mu       sync.RWMutex
	procs    map[string]Processor
	fallback Processor
	log      *slog.Logger
}

// NewRegistry builds a registry with the stock processors registered.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	splunk := NewSplunk()
	r := &Registry{
		procs:    make(map[string]Processor),
		fallback: splunk,
		log:      log,
	}
	r.Register(splunk)
	r.Register(NewQRadar())
	r.Register(NewCEF())
	return r
}

// Register adds or replaces the processor for its source name.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[strings.ToLower(p.Source())] = p
}

// Process normalizes one payload, selecting the processor by source.
func (r *Registry) Process(ctx context.Context, source string, raw map[string]any) (*domain.Alert, error) {
	key := strings.ToLower(strings.TrimSpace(source))
	r.mu.RLock()
	p, ok := r.procs[key]
	r.mu.RUnlock()

	if ok {
		return p.Process(ctx, raw)
	}

	r.log.Warn("unknown alert source, using fallback processor",
		"source", source, "fallback", r.fallback.Source())
	alert, err := r.fallback.Process(ctx, raw)
	if err != nil {
		return nil, err
	}
	if key != "" {
		alert.Source = key
	}
	alert.NormalizedData.Notes = append(alert.NormalizedData.Notes,
		"fallback_processor:"+r.fallback.Source())
	return alert, nil
}

// applyCommonFields fills the network, asset, user, hash, and URL fields
// through the alias table and coerces the timestamp. It returns the
// degradation notes gathered along the way.
func applyCommonFields(a *domain.Alert, f fields, now time.Time, extraAliases map[string][]string) []string {
	var notes []string
	extra := func(canonical string) []string { return extraAliases[canonical] }

	if v, ok := f.str("source_ip", extra("source_ip")...); ok {
		if net.ParseIP(v) != nil {
			a.SourceIP = v
		} else {
			notes = append(notes, "invalid_source_ip_dropped")
		}
	}
	if v, ok := f.str("target_ip", extra("target_ip")...); ok {
		if net.ParseIP(v) != nil {
			a.TargetIP = v
		} else {
			notes = append(notes, "invalid_target_ip_dropped")
		}
	}
	if p, ok := f.port("source_port", extra("source_port")...); ok {
		a.SourcePort = p
	}
	if p, ok := f.port("destination_port", extra("destination_port")...); ok {
		a.DestinationPort = p
	}
	if v, ok := f.firstString("protocol", "proto", "transport"); ok {
		a.Protocol = strings.ToLower(v)
	}
	if v, ok := f.str("asset_id", extra("asset_id")...); ok {
		a.AssetID = v
	}
	if v, ok := f.str("user_id", extra("user_id")...); ok {
		a.UserID = v
	}

	if v, ok := f.str("file_hash", extra("file_hash")...); ok {
		h := strings.ToLower(v)
		if _, valid := domain.HashTypeForLength(len(h)); valid && isHexString(h) {
			a.FileHash = h
		} else {
			notes = append(notes, "invalid_file_hash_dropped")
		}
	}

	if v, ok := f.str("url", extra("url")...); ok {
		assignURLOrDomain(a, v)
	}

	tsVal, _ := f.lookup("timestamp", extra("timestamp")...)
	ts, note := parseTimestamp(tsVal, now)
	a.Timestamp = ts
	if note != "" {
		notes = append(notes, note)
	}
	return notes
}

// assignURLOrDomain routes a value from the url alias group: full URLs
// keep their host as the domain, bare hosts land in domain only.
func assignURLOrDomain(a *domain.Alert, v string) {
	if strings.Contains(v, "://") {
		a.URL = v
		if u, err := url.Parse(v); err == nil && u.Hostname() != "" {
			a.Domain = strings.ToLower(u.Hostname())
		}
		return
	}
	if strings.Contains(v, "/") {
		// Path without a scheme, e.g. an HTTP request line target.
		a.URL = v
		if i := strings.IndexByte(v, '/'); i > 0 {
			a.Domain = strings.ToLower(v[:i])
		}
		return
	}
	a.Domain = strings.ToLower(v)
}

// attachIOCs scans the stringified payload plus the description, then
// folds in values already extracted into typed fields. file_hash lands in
// its length bucket per the extraction contract.
func attachIOCs(a *domain.Alert, raw map[string]any) {
	text := a.Description
	if blob, err := json.Marshal(raw); err == nil {
		text += "\n" + string(blob)
	}
	sets := ioc.Extract(text)

	merge := func(kind domain.IOCType, value string) {
		if value == "" {
			return
		}
		if err := ioc.Merge(sets, kind, value); err != nil {
			a.NormalizedData.Notes = append(a.NormalizedData.Notes, "ioc_dropped:"+value)
		}
	}

	if a.FileHash != "" {
		if kind, ok := domain.HashTypeForLength(len(a.FileHash)); ok {
			merge(kind, a.FileHash)
		}
	}
	// Only IPv4 participates in IOC sets; IPv6 stays on the alert fields.
	if !strings.Contains(a.SourceIP, ":") {
		merge(domain.IOCTypeIP, a.SourceIP)
	}
	if !strings.Contains(a.TargetIP, ":") {
		merge(domain.IOCTypeIP, a.TargetIP)
	}
	if a.URL != "" {
		merge(domain.IOCTypeURL, a.URL)
	}
	if a.Domain != "" {
		merge(domain.IOCTypeDomain, a.Domain)
	}
	if strings.Contains(a.UserID, "@") {
		merge(domain.IOCTypeEmail, a.UserID)
	}

	a.NormalizedData.IOCsExtracted = sets
}

func isHexString(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return s != ""
}
