package hb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestName is the archive entry that lists what a run produced and skipped.
const ManifestName = "manifest.yaml"

// Skip kinds.
const (
	SkipDirectory = "directory"
	SkipVersion   = "version"
	SkipTruncated = "truncated" // present in the archive, but incomplete
)

// Skip records something a run had to leave out of the archive.
type Skip struct {
	Path  string `yaml:"path"`
	Kind  string `yaml:"kind"`
	Cause string `yaml:"cause"`
}

// Report summarizes a backup run. It is written into the archive as the
// manifest so a consumer can tell a complete archive from a partial one.
type Report struct {
	RunID      string    `yaml:"run_id"`
	Mode       string    `yaml:"mode"`
	HubID      string    `yaml:"hub_id,omitempty"`
	ProjectID  string    `yaml:"project_id,omitempty"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Complete   bool      `yaml:"complete"`
	Entries    int       `yaml:"entries"`
	Markers    int       `yaml:"directory_markers"`
	Bytes      int64     `yaml:"bytes"`
	Excluded   int       `yaml:"excluded"`
	Skipped    []Skip    `yaml:"skipped"`

	mu sync.Mutex
}

func (r *Report) addSkip(path, kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped = append(r.Skipped, Skip{Path: path, Kind: kind, Cause: err.Error()})
}

func (r *Report) addEntry(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Entries++
	r.Bytes += size
}

func (r *Report) addMarker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Markers++
}

func (r *Report) addExcluded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Excluded++
}

// Status maps the report to a run status.
func (r *Report) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Skipped) > 0 {
		return RunPartial
	}
	return RunSuccess
}

// RunStatus maps the outcome of Execute to a run status.
func RunStatus(report *Report, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RunCanceled
	case err != nil:
		return RunError
	case report == nil:
		return RunError
	}
	return report.Status()
}

// Manifest renders the report as YAML.
func (r *Report) Manifest() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}
