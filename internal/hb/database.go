package hb

import (
	"database/sql"
	"time"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunSuccess  = "success"
	RunPartial  = "partial"
	RunCanceled = "canceled"
	RunError    = "error"
)

// Run is the persisted record of one backup run.
type Run struct {
	ID          string
	Mode        string
	HubID       string
	ProjectID   string
	Destination string
	StartedAt   time.Time
	FinishedAt  sql.NullTime
	Status      string
	Entries     int64
	Bytes       int64
	Skipped     int64
}

// Database records backup runs and what each run had to leave out.
type Database interface {
	// CreateRun inserts a run in the running state.
	CreateRun(run *Run) error

	// FinishRun stores the final counters and status of a run.
	FinishRun(run *Run) error

	// AddSkips records the entries a run omitted.
	AddSkips(runID string, skips []Skip) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*Run, error)

	// ListSkips returns the omissions recorded for a run, in the order they happened.
	ListSkips(runID string) ([]Skip, error)

	// Close closes the database connection.
	Close() error
}
