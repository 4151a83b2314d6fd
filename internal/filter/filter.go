package filter

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"

	"hb-go/internal/hb"
)

// excludePattern is a parsed exclude pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match against the whole archive path; false = last segment only
}

// Matcher checks archive paths against a set of exclude patterns.
// Patterns without '/' match a single path segment (a hub, project, folder,
// or file name) at any depth. Patterns with '/' match the full archive path.
// Because the walker consults the matcher before descending, excluding a
// folder excludes everything beneath it.
type Matcher struct {
	patterns []excludePattern
}

var _ hb.PathFilter = (*Matcher)(nil)

// New creates a Matcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped. A trailing '/' is
// accepted and ignored.
func New(rawPatterns []string) *Matcher {
	var patterns []excludePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimPrefix(strings.TrimSuffix(raw, "/"), "/")
		if raw == "" {
			continue
		}
		patterns = append(patterns, excludePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &Matcher{patterns: patterns}
}

// Len returns the number of usable patterns.
func (m *Matcher) Len() int {
	return len(m.patterns)
}

// Match reports whether the archive path should be excluded.
func (m *Matcher) Match(archivePath string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	archivePath = strings.TrimSuffix(archivePath, "/")
	base := path.Base(archivePath)

	for _, p := range m.patterns {
		subject := base
		if p.matchPath {
			subject = archivePath
		}
		matched, err := path.Match(p.pattern, subject)
		if err != nil {
			// Malformed pattern, never matches.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// ParseFile reads an exclude file with one pattern per line.
// Returns nil and no error if the file does not exist.
func ParseFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclude file: %w", err)
	}
	return patterns, nil
}
