package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"

	_ "modernc.org/sqlite"
)

// SQLite implements every repository on an embedded database. Records
// are stored as JSON bodies beside their lookup keys so schema changes
// track the domain types without migrations.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and runs
// the migration.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent repository calls.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS alerts (
		source TEXT NOT NULL,
		alert_id TEXT NOT NULL,
		body JSON NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (source, alert_id)
	);
	CREATE TABLE IF NOT EXISTS triage_results (
		alert_id TEXT PRIMARY KEY,
		body JSON NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS threat_intel (
		ioc_type TEXT NOT NULL,
		ioc TEXT NOT NULL,
		body JSON NOT NULL,
		queried_at TEXT NOT NULL,
		PRIMARY KEY (ioc_type, ioc)
	);
	CREATE TABLE IF NOT EXISTS alert_history (
		sim_key TEXT NOT NULL,
		seen_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_key_seen ON alert_history (sim_key, seen_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Repositories exposes the store through the backend-neutral bundle.
func (s *SQLite) Repositories() Repositories {
	return Repositories{Alerts: s, Triage: s, Intel: s, History: s, closer: s.db.Close}
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Upsert(ctx context.Context, a *domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.Key(), err)
	}
	query := `
	INSERT INTO alerts (source, alert_id, body, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (source, alert_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		a.Source, a.AlertID, string(body), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", a.Key(), err)
	}
	return nil
}

func (s *SQLite) FindByID(ctx context.Context, source, alertID string) (*domain.Alert, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM alerts WHERE source = ? AND alert_id = ?`, source, alertID).Scan(&body)
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

func (s *SQLite) Save(ctx context.Context, r *domain.TriageResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal triage result %s: %w", r.AlertID, err)
	}
	query := `
	INSERT INTO triage_results (alert_id, body, created_at) VALUES (?, ?, ?)
	ON CONFLICT (alert_id) DO UPDATE SET body = excluded.body, created_at = excluded.created_at`
	_, err = s.db.ExecContext(ctx, query,
		r.AlertID, string(body), r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save triage result %s: %w", r.AlertID, err)
	}
	return nil
}

func (s *SQLite) FindByAlertID(ctx context.Context, alertID string) (*domain.TriageResult, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM triage_results WHERE alert_id = ?`, alertID).Scan(&body)
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

func (s *SQLite) UpsertByIOC(ctx context.Context, agg *domain.AggregatedIntel) error {
	body, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal intel %s: %w", agg.IOC, err)
	}
	query := `
	INSERT INTO threat_intel (ioc_type, ioc, body, queried_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (ioc_type, ioc) DO UPDATE SET body = excluded.body, queried_at = excluded.queried_at`
	_, err = s.db.ExecContext(ctx, query,
		string(agg.IOCType), agg.IOC, string(body), agg.QueriedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert intel %s: %w", agg.IOC, err)
	}
	return nil
}

func (s *SQLite) FindByIOC(ctx context.Context, iocType domain.IOCType, ioc string) (*domain.AggregatedIntel, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM threat_intel WHERE ioc_type = ? AND ioc = ?`, string(iocType), ioc).Scan(&body)
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

func (s *SQLite) Record(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_history (sim_key, seen_at) VALUES (?, ?)`,
		key, at.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLite) Similar(ctx context.Context, key string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339Nano)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_history WHERE sim_key = ? AND seen_at > ?`,
		key, cutoff).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
