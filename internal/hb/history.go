package hb

import "fmt"

// GetHistory returns the most recent backup runs, newest first.
func (s *BackupService) GetHistory(limit int) ([]*Run, error) {
	runs, err := s.database.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("listing backup runs: %w", err)
	}
	return runs, nil
}

// GetRunSkips returns what a run left out of its archive.
func (s *BackupService) GetRunSkips(runID string) ([]Skip, error) {
	skips, err := s.database.ListSkips(runID)
	if err != nil {
		return nil, fmt.Errorf("listing skipped entries for run %s: %w", runID, err)
	}
	return skips, nil
}
