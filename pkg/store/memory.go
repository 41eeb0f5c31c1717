package store

import (
	"context"
	"sync"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// Memory implements every repository with mutex-guarded maps. History
// entries are pruned lazily on Similar.
type Memory struct {
	mu      sync.RWMutex
	alerts  map[string]*domain.Alert
	triage  map[string]*domain.TriageResult
	intel   map[string]*domain.AggregatedIntel
	history map[string][]time.Time
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		alerts:  make(map[string]*domain.Alert),
		triage:  make(map[string]*domain.TriageResult),
		intel:   make(map[string]*domain.AggregatedIntel),
		history: make(map[string][]time.Time),
	}
}

// Repositories exposes the store through the backend-neutral bundle.
func (m *Memory) Repositories() Repositories {
	return Repositories{Alerts: m, Triage: m, Intel: m, History: m}
}

func (m *Memory) Upsert(_ context.Context, a *domain.Alert) error {
	cp := *a
	m.mu.Lock()
	m.alerts[a.Key()] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindByID(_ context.Context, source, alertID string) (*domain.Alert, error) {
	m.mu.RLock()
	a, ok := m.alerts[source+":"+alertID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) Save(_ context.Context, r *domain.TriageResult) error {
	cp := *r
	m.mu.Lock()
	m.triage[r.AlertID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindByAlertID(_ context.Context, alertID string) (*domain.TriageResult, error) {
	m.mu.RLock()
	r, ok := m.triage[alertID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpsertByIOC(_ context.Context, agg *domain.AggregatedIntel) error {
	cp := *agg
	m.mu.Lock()
	m.intel[string(agg.IOCType)+":"+agg.IOC] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindByIOC(_ context.Context, iocType domain.IOCType, ioc string) (*domain.AggregatedIntel, error) {
	m.mu.RLock()
	agg, ok := m.intel[string(iocType)+":"+ioc]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agg
	return &cp, nil
}

func (m *Memory) Record(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	m.history[key] = append(m.history[key], at.UTC())
	m.mu.Unlock()
	return nil
}

func (m *Memory) Similar(_ context.Context, key string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[key][:0]
	for _, at := range m.history[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(m.history, key)
		return 0, nil
	}
	m.history[key] = kept
	return len(kept), nil
}
