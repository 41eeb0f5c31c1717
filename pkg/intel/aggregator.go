package intel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
	"github.com/Sentria-Labs/sentria/pkg/ioc"
)

// maxConcurrentLookups bounds how many provider calls run at once for a
// single aggregate.
const maxConcurrentLookups = 10

// defaultWeights is the per-source weight table; sources not listed
// weigh defaultWeight.
var defaultWeights = map[string]float64{
	ProviderVirusTotal: 0.4,
	ProviderOTX:        0.3,
	ProviderAbuseCh:    0.3,
}

const defaultWeight = 0.1

// Aggregator fans one IOC out to every registered provider and merges
// the answers. Failed or silent providers reduce confidence; they never
// fail the aggregate.
type Aggregator struct {
	mu        sync.RWMutex
	providers []Provider
	weights   map[string]float64
	log       *slog.Logger
	now       func() time.Time
}

// NewAggregator wires the given providers with the default weights.
func NewAggregator(log *slog.Logger, providers ...Provider) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	weights := make(map[string]float64, len(defaultWeights))
	for k, v := range defaultWeights {
		weights[k] = v
	}
	return &Aggregator{
		providers: providers,
		weights:   weights,
		log:       log,
		now:       time.Now,
	}
}

// Register adds a provider after construction.
func (g *Aggregator) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers = append(g.providers, p)
}

// SetWeight overrides one source weight.
func (g *Aggregator) SetWeight(source string, w float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.weights[source] = w
}

// Sources reports how many providers are enabled.
func (g *Aggregator) Sources() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.providers)
}

// Aggregate queries every provider for one IOC and merges the answers.
// An empty iocType is auto-detected from the value. The call returns
// once every provider has answered or given up; there is no aggregate-
// level timeout because each adapter bounds itself.
func (g *Aggregator) Aggregate(ctx context.Context, iocType domain.IOCType, iocValue string) *domain.AggregatedIntel {
	if iocType == "" {
		iocType = ioc.DetectType(iocValue)
	}

	g.mu.RLock()
	providers := make([]Provider, len(g.providers))
	copy(providers, g.providers)
	g.mu.RUnlock()

	agg := &domain.AggregatedIntel{
		IOC:          iocValue,
		IOCType:      iocType,
		ThreatLevel:  domain.ThreatLevelSafe,
		TotalSources: len(providers),
		QueriedAt:    g.now().UTC(),
	}
	if len(providers) == 0 {
		return agg
	}

	results := make([]*domain.IntelResult, len(providers))
	sem := make(chan struct{}, maxConcurrentLookups)
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					g.log.Error("intel provider panicked",
						"provider", p.Name(), "ioc", iocValue, "panic", r)
					results[i] = nil
				}
			}()
			results[i] = p.Lookup(ctx, iocType, iocValue)
		}(i, p)
	}
	wg.Wait()

	g.merge(agg, results)
	return agg
}

// merge folds provider results into the aggregate. Only real answers
// count as responding: nil results (timeouts) and mock results
// (missing key, upstream error) contribute neither weight nor tags.
func (g *Aggregator) merge(agg *domain.AggregatedIntel, results []*domain.IntelResult) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var weightedSum, weightSum float64
	responded := 0
	tagSet := make(map[string]struct{})

	for _, r := range results {
		if r == nil || r.Mock {
			continue
		}
		responded++
		w, ok := g.weights[r.Source]
		if !ok {
			w = defaultWeight
		}
		weightedSum += r.DetectionRate * w
		weightSum += w
		if r.Detected {
			agg.DetectedByCount++
			agg.Detections = append(agg.Detections, domain.Detection{
				Source:        r.Source,
				DetectionRate: r.DetectionRate,
			})
		}
		for _, t := range r.Tags {
			tagSet[t] = struct{}{}
		}
	}

	if weightSum > 0 {
		score := weightedSum / weightSum * 100
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		agg.AggregateScore = score
	}
	if agg.TotalSources > 0 {
		agg.Confidence = float64(responded) / float64(agg.TotalSources)
	}
	agg.ThreatLevel = domain.DefaultThresholds().ThreatLevel(agg.AggregateScore)

	if len(tagSet) > 0 {
		agg.Tags = make([]string, 0, len(tagSet))
		for t := range tagSet {
			agg.Tags = append(agg.Tags, t)
		}
		sort.Strings(agg.Tags)
	}
}
