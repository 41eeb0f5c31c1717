// Package intel fans alert IOCs out to external threat-intelligence
// providers and merges their answers into one weighted aggregate. A
// provider that is down, unkeyed or out of time never fails a lookup:
// it answers with a mock result or with nothing at all, and the
// aggregate is computed over the sources that actually responded.
package intel

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// Provider names known to the default weight table.
const (
	ProviderVirusTotal = "virustotal"
	ProviderOTX        = "otx"
	ProviderAbuseCh    = "abuse.ch"
)

const (
	// DefaultCacheTTL bounds how long a provider answer is reused.
	DefaultCacheTTL = 24 * time.Hour
	// DefaultQueryTimeout bounds one outbound provider call.
	DefaultQueryTimeout = 30 * time.Second
)

// Provider is one threat-intelligence source. Lookup never returns an
// error: a nil result means the provider could not answer in time, a
// result with Mock set means it answered degraded (missing key,
// upstream failure). Real answers are cached per (ioc_type, ioc).
type Provider interface {
	Name() string
	Lookup(ctx context.Context, iocType domain.IOCType, ioc string) *domain.IntelResult
}

// BaseProvider carries the plumbing every adapter shares: rate
// limiting, the per-adapter TTL cache and the per-query timeout.
// Concrete adapters embed it and implement Lookup.
type BaseProvider struct {
	name    string
	limiter *rate.Limiter
	cache   *Cache
	timeout time.Duration
	now     func() time.Time
}

// NewBaseProvider builds the shared plumbing. r and burst bound the
// outbound request rate; ttl bounds cache entries.
func NewBaseProvider(name string, r rate.Limit, burst int, ttl time.Duration) *BaseProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &BaseProvider{
		name:    name,
		limiter: rate.NewLimiter(r, burst),
		cache:   NewCache(ttl),
		timeout: DefaultQueryTimeout,
		now:     time.Now,
	}
}

// Name identifies the provider in results and the weight table.
func (p *BaseProvider) Name() string { return p.name }

// SetTimeout overrides the per-query deadline.
func (p *BaseProvider) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// SetCacheTTL overrides how long answers are reused.
func (p *BaseProvider) SetCacheTTL(d time.Duration) {
	if d > 0 {
		p.cache.SetTTL(d)
	}
}

// Wait blocks until the rate limiter admits one request.
func (p *BaseProvider) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Bound derives the per-query deadline context.
func (p *BaseProvider) Bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

// Cached returns a previously remembered answer.
func (p *BaseProvider) Cached(iocType domain.IOCType, ioc string) (*domain.IntelResult, bool) {
	return p.cache.Get(cacheKey(iocType, ioc))
}

// Remember caches a real answer. Mock results are never cached so a
// recovered provider is consulted again immediately.
func (p *BaseProvider) Remember(iocType domain.IOCType, ioc string, r *domain.IntelResult) {
	if r == nil || r.Mock {
		return
	}
	p.cache.Put(cacheKey(iocType, ioc), r)
}

// MockResult is the degraded answer: present, not detected, flagged.
func (p *BaseProvider) MockResult(iocType domain.IOCType, ioc string) *domain.IntelResult {
	return &domain.IntelResult{
		Source:    p.name,
		IOC:       ioc,
		IOCType:   iocType,
		Detected:  false,
		Mock:      true,
		QueriedAt: p.now().UTC(),
	}
}

// CacheLen reports live cache entries.
func (p *BaseProvider) CacheLen() int { return p.cache.Len() }

func cacheKey(iocType domain.IOCType, ioc string) string {
	return string(iocType) + ":" + ioc
}
