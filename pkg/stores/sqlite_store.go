// Package stores persists evaluation reports so findings can be compared
// across runs. The backing store is a local SQLite database with
// versioned migrations.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stacklint/stacklint/pkg/report"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run id has no stored report.
var ErrRunNotFound = errors.New("run not found")

// HistoryStore keeps evaluation reports in SQLite.
type HistoryStore struct {
	db   *sql.DB
	path string
}

// Config holds history store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewHistoryStore creates a store instance. Open and Migrate must run
// before first use.
func NewHistoryStore(cfg Config) (*HistoryStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &HistoryStore{path: cfg.Path}, nil
}

// Open opens the database connection and enables WAL mode.
func (s *HistoryStore) Open(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies pending schema migrations.
func (s *HistoryStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveReport persists one report and its individual findings. The run
// row and the finding rows commit atomically.
func (s *HistoryStore) SaveReport(ctx context.Context, r *report.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, template_path, fingerprint, incomplete, finding_count, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Source, r.Fingerprint, r.Incomplete, len(r.Diagnostics), string(body), r.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for _, d := range r.Diagnostics {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO findings (run_id, rule_id, entity, path, severity, message, inconclusive)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.ID, d.RuleID, d.Entity, d.Path, string(d.Severity), d.Message, d.Inconclusive)
		if err != nil {
			return fmt.Errorf("failed to save finding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

// GetReport retrieves a stored report by run id.
func (s *HistoryStore) GetReport(ctx context.Context, id string) (*report.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return report.Parse([]byte(body))
}

// ListRuns lists stored runs, most recent first.
func (s *HistoryStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_path, fingerprint, incomplete, finding_count, created_at
		FROM runs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunSummary{}
	for rows.Next() {
		run := &RunSummary{}
		if err := rows.Scan(&run.ID, &run.TemplatePath, &run.Fingerprint, &run.Incomplete, &run.FindingCount, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListFindings returns the individual findings of one run in stored
// order.
func (s *HistoryStore) ListFindings(ctx context.Context, runID string) ([]*Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, rule_id, entity, path, severity, message, inconclusive
		FROM findings
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	defer rows.Close()

	findings := []*Finding{}
	for rows.Next() {
		f := &Finding{}
		if err := rows.Scan(&f.RunID, &f.RuleID, &f.Entity, &f.Path, &f.Severity, &f.Message, &f.Inconclusive); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}
