package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/intel"
)

const virusTotalBaseURL = "https://www.virustotal.com"

// VirusTotal queries the v2 report endpoints. The public tier allows
// four requests a minute, which the limiter enforces.
type VirusTotal struct {
	*intel.BaseProvider
	apiKey  string
	baseURL string
	client  *http.Client
}

type vtResponse struct {
	ResponseCode int `json:"response_code"`
	Positives    int `json:"positives"`
	Total        int `json:"total"`
	DetectedURLs []struct {
		URL       string `json:"url"`
		Positives int    `json:"positives"`
		Total     int    `json:"total"`
	} `json:"detected_urls"`
}

// NewVirusTotal builds the adapter; a nil client falls back to
// http.DefaultClient.
func NewVirusTotal(apiKey string, client *http.Client) *VirusTotal {
	if client == nil {
		client = http.DefaultClient
	}
	return &VirusTotal{
		BaseProvider: intel.NewBaseProvider(intel.ProviderVirusTotal,
			rate.Every(15*time.Second), 4, intel.DefaultCacheTTL),
		apiKey:  apiKey,
		baseURL: virusTotalBaseURL,
		client:  client,
	}
}

// Lookup implements intel.Provider.
func (p *VirusTotal) Lookup(ctx context.Context, iocType domain.IOCType, ioc string) *domain.IntelResult {
	if r, ok := p.Cached(iocType, ioc); ok {
		return r
	}
	endpoint, ok := p.endpoint(iocType, ioc)
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

	var resp vtResponse
	if err := getJSON(ctx, p.client, endpoint, nil, &resp); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return p.MockResult(iocType, ioc)
	}

	r := p.toResult(iocType, ioc, &resp)
	p.Remember(iocType, ioc, r)
	return r
}

// endpoint picks the v2 report route for the IOC kind. Email addresses
// have no VirusTotal surface.
func (p *VirusTotal) endpoint(iocType domain.IOCType, ioc string) (string, bool) {
	switch iocType {
	case domain.IOCTypeMD5, domain.IOCTypeSHA1, domain.IOCTypeSHA256:
		return fmt.Sprintf("%s/vtapi/v2/file/report?apikey=%s&resource=%s",
			p.baseURL, url.QueryEscape(p.apiKey), url.QueryEscape(ioc)), true
	case domain.IOCTypeURL:
		return fmt.Sprintf("%s/vtapi/v2/url/report?apikey=%s&resource=%s",
			p.baseURL, url.QueryEscape(p.apiKey), url.QueryEscape(ioc)), true
	case domain.IOCTypeIP:
		return fmt.Sprintf("%s/vtapi/v2/ip-address/report?apikey=%s&ip=%s",
			p.baseURL, url.QueryEscape(p.apiKey), url.QueryEscape(ioc)), true
	case domain.IOCTypeDomain:
		return fmt.Sprintf("%s/vtapi/v2/domain/report?apikey=%s&domain=%s",
			p.baseURL, url.QueryEscape(p.apiKey), url.QueryEscape(ioc)), true
	default:
		return "", false
	}
}

// toResult maps the v2 answer onto a detection rate in [0, 1]. File and
// URL reports carry positives/total directly; IP and domain reports
// list detected URLs instead, normalized at ten findings for certainty.
func (p *VirusTotal) toResult(iocType domain.IOCType, ioc string, resp *vtResponse) *domain.IntelResult {
	r := &domain.IntelResult{
		Source:    p.Name(),
		IOC:       ioc,
		IOCType:   iocType,
		QueriedAt: time.Now().UTC(),
	}
	if resp.ResponseCode != 1 {
		return r // unknown to VirusTotal: a real "not detected"
	}
	switch {
	case resp.Total > 0:
		r.DetectionRate = float64(resp.Positives) / float64(resp.Total)
		r.Detected = resp.Positives > 0
	case len(resp.DetectedURLs) > 0:
		n := float64(len(resp.DetectedURLs)) / 10
		if n > 1 {
			n = 1
		}
		r.DetectionRate = n
		r.Detected = true
	}
	return r
}
