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

const otxBaseURL = "https://otx.alienvault.com"

// OTX queries AlienVault Open Threat Exchange pulse data.
type OTX struct {
	*intel.BaseProvider
	apiKey  string
	baseURL string
	client  *http.Client
}

type otxResponse struct {
	PulseInfo struct {
		Count  int `json:"count"`
		Pulses []struct {
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		} `json:"pulses"`
	} `json:"pulse_info"`
}

// NewOTX builds the adapter; a nil client falls back to
// http.DefaultClient.
func NewOTX(apiKey string, client *http.Client) *OTX {
	if client == nil {
		client = http.DefaultClient
	}
	return &OTX{
		BaseProvider: intel.NewBaseProvider(intel.ProviderOTX,
			rate.Every(time.Second), 5, intel.DefaultCacheTTL),
		apiKey:  apiKey,
		baseURL: otxBaseURL,
		client:  client,
	}
}

// Lookup implements intel.Provider.
func (p *OTX) Lookup(ctx context.Context, iocType domain.IOCType, ioc string) *domain.IntelResult {
	if r, ok := p.Cached(iocType, ioc); ok {
		return r
	}
	section, ok := otxSection(iocType)
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

	endpoint := fmt.Sprintf("%s/api/v1/indicators/%s/%s/general",
		p.baseURL, section, url.PathEscape(ioc))
	header := http.Header{"X-OTX-API-KEY": []string{p.apiKey}}

	var resp otxResponse
	if err := getJSON(ctx, p.client, endpoint, header, &resp); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return p.MockResult(iocType, ioc)
	}

	r := p.toResult(iocType, ioc, &resp)
	p.Remember(iocType, ioc, r)
	return r
}

func otxSection(iocType domain.IOCType) (string, bool) {
	switch iocType {
	case domain.IOCTypeIP:
		return "IPv4", true
	case domain.IOCTypeDomain:
		return "domain", true
	case domain.IOCTypeURL:
		return "url", true
	case domain.IOCTypeMD5, domain.IOCTypeSHA1, domain.IOCTypeSHA256:
		return "file", true
	default:
		return "", false
	}
}

// toResult normalizes pulse counts onto [0, 1]: ten pulses or more read
// as a certain detection.
func (p *OTX) toResult(iocType domain.IOCType, ioc string, resp *otxResponse) *domain.IntelResult {
	r := &domain.IntelResult{
		Source:    p.Name(),
		IOC:       ioc,
		IOCType:   iocType,
		QueriedAt: time.Now().UTC(),
	}
	count := resp.PulseInfo.Count
	if count <= 0 {
		return r
	}
	r.Detected = true
	rate := float64(count) / 10
	if rate > 1 {
		rate = 1
	}
	r.DetectionRate = rate

	seen := make(map[string]struct{})
	for _, pulse := range resp.PulseInfo.Pulses {
		for _, t := range pulse.Tags {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			r.Tags = append(r.Tags, t)
		}
	}
	return r
}
