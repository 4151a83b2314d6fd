package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"hb-go/internal/database/migrations"
	"hb-go/internal/hb"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements hb.Database using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path (or ":memory:") and brings its
// schema up to date.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}

	return &SQLiteDatabase{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		// The server records runs from concurrent requests.
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// CreateRun inserts a run.
func (s *SQLiteDatabase) CreateRun(run *hb.Run) error {
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO runs (id, mode, hub_id, project_id, destination, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Mode, run.HubID, run.ProjectID, run.Destination, run.StartedAt.UTC(), run.Status)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and counters of a run.
func (s *SQLiteDatabase) FinishRun(run *hb.Run) error {
	finished := run.FinishedAt
	if finished.Valid {
		finished.Time = finished.Time.UTC()
	}
	res, err := s.db.ExecContext(context.Background(), `
		UPDATE runs
		SET finished_at = ?, status = ?, entries = ?, bytes = ?, skipped = ?
		WHERE id = ?`,
		finished, run.Status, run.Entries, run.Bytes, run.Skipped, run.ID)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing run %s: %w", run.ID, hb.ErrNotFound)
	}
	return nil
}

// AddSkips appends skips to a run in one transaction, after any recorded before.
func (s *SQLiteDatabase) AddSkips(runID string, skips []hb.Skip) error {
	if len(skips) == 0 {
		return nil
	}
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM run_skips WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return fmt.Errorf("reading skip sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_skips (run_id, seq, path, kind, cause) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing skip insert: %w", err)
	}
	defer stmt.Close()

	for i, sk := range skips {
		if _, err := stmt.ExecContext(ctx, runID, next+int64(i), sk.Path, sk.Kind, sk.Cause); err != nil {
			return fmt.Errorf("recording skip %s: %w", sk.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. A limit <= 0 returns all runs.
func (s *SQLiteDatabase) ListRuns(limit int) ([]*hb.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT id, mode, hub_id, project_id, destination, started_at, finished_at,
		       status, entries, bytes, skipped
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*hb.Run
	for rows.Next() {
		r := &hb.Run{}
		if err := rows.Scan(&r.ID, &r.Mode, &r.HubID, &r.ProjectID, &r.Destination, &r.StartedAt,
			&r.FinishedAt, &r.Status, &r.Entries, &r.Bytes, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// ListSkips returns the skips recorded for a run in the order they were added.
func (s *SQLiteDatabase) ListSkips(runID string) ([]hb.Skip, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT path, kind, cause FROM run_skips WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing skips: %w", err)
	}
	defer rows.Close()

	var skips []hb.Skip
	for rows.Next() {
		var sk hb.Skip
		if err := rows.Scan(&sk.Path, &sk.Kind, &sk.Cause); err != nil {
			return nil, fmt.Errorf("scanning skip: %w", err)
		}
		skips = append(skips, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing skips: %w", err)
	}
	return skips, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements hb.Database interface
var _ hb.Database = (*SQLiteDatabase)(nil)
