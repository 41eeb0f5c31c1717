// Package store persists the pipeline's durable records: normalized
// alerts, triage results, threat-intel aggregates, and the similarity
// history that feeds the historical multiplier. Three backends share the
// same repository interfaces: an in-memory store for tests and single
// node runs, SQLite for embedded deployments, Postgres for shared ones.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// ErrNotFound is returned by every Find method when no row matches.
var ErrNotFound = errors.New("store: not found")

// AlertRepository stores normalized alerts keyed by (source, alert_id).
// Upsert must be idempotent: the pipeline is at-least-once and the same
// alert can arrive again after a redelivery.
type AlertRepository interface {
	Upsert(ctx context.Context, a *domain.Alert) error
	FindByID(ctx context.Context, source, alertID string) (*domain.Alert, error)
}

// TriageRepository stores one triage result per alert_id; a redelivered
// alert overwrites its earlier verdict.
type TriageRepository interface {
	Save(ctx context.Context, r *domain.TriageResult) error
	FindByAlertID(ctx context.Context, alertID string) (*domain.TriageResult, error)
}

// ThreatIntelRepository caches intel aggregates by (ioc_type, ioc).
type ThreatIntelRepository interface {
	UpsertByIOC(ctx context.Context, agg *domain.AggregatedIntel) error
	FindByIOC(ctx context.Context, iocType domain.IOCType, ioc string) (*domain.AggregatedIntel, error)
}

// HistoryRepository counts similar alerts inside a lookback window.
// Similarity is by key, not identity; see HistoryKey.
type HistoryRepository interface {
	Similar(ctx context.Context, key string, window time.Duration) (int, error)
	Record(ctx context.Context, key string, at time.Time) error
}

// HistoryKey derives the similarity key for an alert. The dedup
// fingerprint cannot serve here: it is unique per (source, alert_id),
// while history needs to match recurring activity across alerts.
func HistoryKey(a *domain.Alert) string {
	return string(a.AlertType) + "|" + a.SourceIP
}

// Repositories bundles the four repositories of one backend.
type Repositories struct {
	Alerts  AlertRepository
	Triage  TriageRepository
	Intel   ThreatIntelRepository
	History HistoryRepository

	closer func() error
}

// Close releases the backend's resources, if any.
func (r Repositories) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
