package database

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hb-go/internal/hb"
)

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func newRun(id string, started time.Time) *hb.Run {
	return &hb.Run{
		ID:        id,
		Mode:      hb.ModeWorkspace,
		StartedAt: started,
		Status:    hb.RunRunning,
	}
}

func TestSQLiteDatabase_RunLifecycle(t *testing.T) {
	db := newTestDB(t)
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	run := newRun("run-1", started)
	run.Mode = hb.ModeProject
	run.HubID, run.ProjectID = "h1", "p1"
	run.Destination = "backup-20240301T100000Z.zip"
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != hb.RunRunning || runs[0].FinishedAt.Valid {
		t.Fatalf("ListRuns() before finish = %+v", runs)
	}

	run.Status = hb.RunPartial
	run.FinishedAt = sql.NullTime{Time: started.Add(time.Minute), Valid: true}
	run.Entries, run.Bytes, run.Skipped = 12, 4096, 2
	if err := db.FinishRun(run); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	runs, err = db.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	got := runs[0]
	if got.Status != hb.RunPartial {
		t.Errorf("Status = %q, want %q", got.Status, hb.RunPartial)
	}
	if got.Entries != 12 || got.Bytes != 4096 || got.Skipped != 2 {
		t.Errorf("counters = %d/%d/%d", got.Entries, got.Bytes, got.Skipped)
	}
	if !got.FinishedAt.Valid || !got.FinishedAt.Time.Equal(started.Add(time.Minute)) {
		t.Errorf("FinishedAt = %v", got.FinishedAt)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Mode != hb.ModeProject || got.HubID != "h1" || got.ProjectID != "p1" || got.Destination != run.Destination {
		t.Errorf("run fields = %+v", got)
	}
}

func TestSQLiteDatabase_FinishUnknownRun(t *testing.T) {
	db := newTestDB(t)
	err := db.FinishRun(newRun("ghost", time.Now()))
	if !errors.Is(err, hb.ErrNotFound) {
		t.Errorf("FinishRun() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_ListRunsNewestFirst(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := db.CreateRun(newRun(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", id, err)
		}
	}

	runs, err := db.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("ListRuns(2) = %v, %v", runs[0].ID, runs[1].ID)
	}

	all, err := db.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns(0) error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListRuns(0) returned %d runs, want 3", len(all))
	}
}

func TestSQLiteDatabase_Skips(t *testing.T) {
	db := newTestDB(t)
	if err := db.CreateRun(newRun("run-1", time.Now())); err != nil {
		t.Fatal(err)
	}

	first := []hb.Skip{
		{Path: "Acme_Co/Tower/Plans", Kind: hb.SkipDirectory, Cause: "timeout"},
		{Path: "Acme_Co/Tower/a.rvt", Kind: hb.SkipVersion, Cause: "content unavailable"},
	}
	if err := db.AddSkips("run-1", first); err != nil {
		t.Fatalf("AddSkips() error = %v", err)
	}
	if err := db.AddSkips("run-1", []hb.Skip{{Path: "Acme_Co/Tower/b.rvt", Kind: hb.SkipVersion, Cause: "502"}}); err != nil {
		t.Fatalf("second AddSkips() error = %v", err)
	}
	if err := db.AddSkips("run-1", nil); err != nil {
		t.Fatalf("AddSkips(nil) error = %v", err)
	}

	skips, err := db.ListSkips("run-1")
	if err != nil {
		t.Fatalf("ListSkips() error = %v", err)
	}
	if len(skips) != 3 {
		t.Fatalf("ListSkips() returned %d, want 3", len(skips))
	}
	if skips[0] != first[0] || skips[2].Path != "Acme_Co/Tower/b.rvt" {
		t.Errorf("ListSkips() = %+v", skips)
	}

	if err := db.AddSkips("missing", first); err == nil {
		t.Error("AddSkips() for unknown run expected foreign key error")
	}

	none, err := db.ListSkips("missing")
	if err != nil || len(none) != 0 {
		t.Errorf("ListSkips(missing) = %v, %v", none, err)
	}
}

func TestSQLiteDatabase_FileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "hb.db")

	db, err := NewSQLiteDatabase(path)
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	if err := db.CreateRun(newRun("persisted", time.Now())); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = NewSQLiteDatabase(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()

	if err := db.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
	runs, err := db.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "persisted" {
		t.Errorf("runs after reopen = %+v", runs)
	}
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}
