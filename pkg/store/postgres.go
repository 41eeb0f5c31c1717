package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"

	_ "github.com/lib/pq"
)

// Postgres implements every repository on a shared database. The schema
// mirrors the SQLite layout: lookup keys plus a JSONB body.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN, verifies connectivity and
// runs the migration.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgres(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing connection without migrating; tests use
// this to inject a mock.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS alerts (
		source TEXT NOT NULL,
		alert_id TEXT NOT NULL,
		body JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (source, alert_id)
	);
	CREATE TABLE IF NOT EXISTS triage_results (
		alert_id TEXT PRIMARY KEY,
		body JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS threat_intel (
		ioc_type TEXT NOT NULL,
		ioc TEXT NOT NULL,
		body JSONB NOT NULL,
		queried_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (ioc_type, ioc)
	);
	CREATE TABLE IF NOT EXISTS alert_history (
		sim_key TEXT NOT NULL,
		seen_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_key_seen ON alert_history (sim_key, seen_at);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Repositories exposes the store through the backend-neutral bundle.
func (s *Postgres) Repositories() Repositories {
	return Repositories{Alerts: s, Triage: s, Intel: s, History: s, closer: s.db.Close}
}

// Close closes the underlying database.
func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) Upsert(ctx context.Context, a *domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.Key(), err)
	}
	query := `
	INSERT INTO alerts (source, alert_id, body, updated_at) VALUES ($1, $2, $3, $4)
	ON CONFLICT (source, alert_id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, query, a.Source, a.AlertID, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", a.Key(), err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, source, alertID string) (*domain.Alert, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM alerts WHERE source = $1 AND alert_id = $2`, source, alertID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a domain.Alert
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("corrupt alert body %s:%s: %w", source, alertID, err)
	}
	return &a, nil
}

func (s *Postgres) Save(ctx context.Context, r *domain.TriageResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal triage result %s: %w", r.AlertID, err)
	}
	query := `
	INSERT INTO triage_results (alert_id, body, created_at) VALUES ($1, $2, $3)
	ON CONFLICT (alert_id) DO UPDATE SET body = EXCLUDED.body, created_at = EXCLUDED.created_at`
	_, err = s.db.ExecContext(ctx, query, r.AlertID, body, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save triage result %s: %w", r.AlertID, err)
	}
	return nil
}

func (s *Postgres) FindByAlertID(ctx context.Context, alertID string) (*domain.TriageResult, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM triage_results WHERE alert_id = $1`, alertID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r domain.TriageResult
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("corrupt triage body %s: %w", alertID, err)
	}
	return &r, nil
}

func (s *Postgres) UpsertByIOC(ctx context.Context, agg *domain.AggregatedIntel) error {
	body, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal intel %s: %w", agg.IOC, err)
	}
	query := `
	INSERT INTO threat_intel (ioc_type, ioc, body, queried_at) VALUES ($1, $2, $3, $4)
	ON CONFLICT (ioc_type, ioc) DO UPDATE SET body = EXCLUDED.body, queried_at = EXCLUDED.queried_at`
	_, err = s.db.ExecContext(ctx, query, string(agg.IOCType), agg.IOC, body, agg.QueriedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert intel %s: %w", agg.IOC, err)
	}
	return nil
}

func (s *Postgres) FindByIOC(ctx context.Context, iocType domain.IOCType, ioc string) (*domain.AggregatedIntel, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM threat_intel WHERE ioc_type = $1 AND ioc = $2`, string(iocType), ioc).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var agg domain.AggregatedIntel
	if err := json.Unmarshal(body, &agg); err != nil {
		return nil, fmt.Errorf("corrupt intel body %s: %w", ioc, err)
	}
	return &agg, nil
}

func (s *Postgres) Record(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_history (sim_key, seen_at) VALUES ($1, $2)`, key, at.UTC())
	return err
}

func (s *Postgres) Similar(ctx context.Context, key string, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_history WHERE sim_key = $1 AND seen_at > $2`,
		key, time.Now().UTC().Add(-window)).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
