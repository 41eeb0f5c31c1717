// Package dedup suppresses re-delivered alerts and groups bursts of
// related ones. Every normalized alert is fingerprinted over its
// (source, alert_id) identity; a sighting inside the lookback window is
// a duplicate and is dropped by the caller. Alerts that survive dedup
// flow through a sliding aggregation window keyed by
// (source_ip, alert_type).
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

const (
	// DefaultCapacity bounds the in-memory fingerprint cache.
	DefaultCapacity = 10000
	// DefaultLookback is the duplicate-suppression window.
	DefaultLookback = 24 * time.Hour
)

// Store records fingerprints. Seen reports whether fp was already
// recorded within the lookback window; the check and the record are one
// atomic step so concurrent sightings of the same alert race safely.
type Store interface {
	Seen(ctx context.Context, fp string, lookback time.Duration) (bool, error)
}

// MemoryStore is the single-process Store: an LRU of fingerprints with
// their first-seen timestamps.
type MemoryStore struct {
	mu  sync.Mutex
	lru *lruCache
	now func() time.Time
}

// NewMemoryStore returns a store holding at most capacity fingerprints.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{lru: newLRU(capacity), now: time.Now}
}

// Seen implements Store. A hit older than the lookback window is
// treated as a fresh sighting and its first-seen timestamp restarts.
func (s *MemoryStore) Seen(_ context.Context, fp string, lookback time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if first, ok := s.lru.get(fp); ok {
		if now.Sub(first) <= lookback {
			return true, nil
		}
		s.lru.add(fp, now)
		return false, nil
	}
	s.lru.add(fp, now)
	return false, nil
}

// Len reports the number of cached fingerprints.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.len()
}

// Deduper fingerprints alerts against a Store.
type Deduper struct {
	store    Store
	lookback time.Duration
}

// New returns a Deduper with the given lookback; lookback <= 0 falls
// back to DefaultLookback.
func New(store Store, lookback time.Duration) *Deduper {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Deduper{store: store, lookback: lookback}
}

// IsDuplicate fingerprints the alert and records the sighting. It
// returns the fingerprint either way so callers can tag the alert.
func (d *Deduper) IsDuplicate(ctx context.Context, a *domain.Alert) (string, bool, error) {
	fp := Fingerprint(a.Source, a.AlertID)
	seen, err := d.store.Seen(ctx, fp, d.lookback)
	if err != nil {
		return fp, false, err
	}
	return fp, seen, nil
}
