package providers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/intel"
)

const urlhausBaseURL = "https://urlhaus-api.abuse.ch"

// AbuseCh queries the URLhaus API. URLhaus answers are effectively
// binary: an IOC is either listed or unknown.
type AbuseCh struct {
	*intel.BaseProvider
	apiKey  string
	baseURL string
	client  *http.Client
}

type urlhausResponse struct {
	QueryStatus string `json:"query_status"`
	URLs        []struct {
		URL    string   `json:"url"`
		Threat string   `json:"threat"`
		Tags   []string `json:"tags"`
	} `json:"urls"`
	Threat string   `json:"threat"`
	Tags   []string `json:"tags"`
}

// NewAbuseCh builds the adapter; a nil client falls back to
// http.DefaultClient.
func NewAbuseCh(apiKey string, client *http.Client) *AbuseCh {
	if client == nil {
		client = http.DefaultClient
	}
	return &AbuseCh{
		BaseProvider: intel.NewBaseProvider(intel.ProviderAbuseCh,
			rate.Every(time.Second), 3, intel.DefaultCacheTTL),
		apiKey:  apiKey,
		baseURL: urlhausBaseURL,
		client:  client,
	}
}

// Lookup implements intel.Provider.
func (p *AbuseCh) Lookup(ctx context.Context, iocType domain.IOCType, ioc string) *domain.IntelResult {
	if r, ok := p.Cached(iocType, ioc); ok {
		return r
	}
	endpoint, form, ok := p.query(iocType, ioc)
	if !ok {
		return p.MockResult(iocType, ioc)
	}
	if p.apiKey == "" {
		return p.MockResult(iocType, ioc)
	}

	ctx, cancel := p.Bound(ctx)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		return nil
	}

	header := http.Header{"Auth-Key": []string{p.apiKey}}
	var resp urlhausResponse
	if err := postForm(ctx, p.client, endpoint, header, form, &resp); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return p.MockResult(iocType, ioc)
	}

	r := p.toResult(iocType, ioc, &resp)
	p.Remember(iocType, ioc, r)
	return r
}

// query picks the URLhaus route: hosts for addresses and domains, urls
// for URLs, payloads for hashes. Email addresses are not listed.
func (p *AbuseCh) query(iocType domain.IOCType, ioc string) (string, url.Values, bool) {
	switch iocType {
	case domain.IOCTypeIP, domain.IOCTypeDomain:
		return p.baseURL + "/v1/host/", url.Values{"host": {ioc}}, true
	case domain.IOCTypeURL:
		return p.baseURL + "/v1/url/", url.Values{"url": {ioc}}, true
	case domain.IOCTypeSHA256:
		return p.baseURL + "/v1/payload/", url.Values{"sha256_hash": {ioc}}, true
	case domain.IOCTypeMD5:
		return p.baseURL + "/v1/payload/", url.Values{"md5_hash": {ioc}}, true
	default:
		return "", nil, false
	}
}

func (p *AbuseCh) toResult(iocType domain.IOCType, ioc string, resp *urlhausResponse) *domain.IntelResult {
	r := &domain.IntelResult{
		Source:    p.Name(),
		IOC:       ioc,
		IOCType:   iocType,
		QueriedAt: time.Now().UTC(),
	}
	if resp.QueryStatus != "ok" {
		return r
	}
	r.Detected = true
	r.DetectionRate = 1.0

	seen := make(map[string]struct{})
	addTag := func(t string) {
		if t == "" {
			return
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		r.Tags = append(r.Tags, t)
	}
	addTag(resp.Threat)
	for _, t := range resp.Tags {
		addTag(t)
	}
	for _, u := range resp.URLs {
		addTag(u.Threat)
		for _, t := range u.Tags {
			addTag(t)
		}
	}
	return r
}
