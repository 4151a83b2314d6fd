package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"hb-go/internal/hb"
)

type memoryArchive struct {
	data       []byte
	modifiedAt time.Time
}

// MemoryVault is an in-memory implementation of the Vault interface.
// It stores all archives in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name     string
	archives map[string]memoryArchive
	mu       sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		archives: make(map[string]memoryArchive),
	}
}

// PutArchive stores the archive read from r.
func (m *MemoryVault) PutArchive(ctx context.Context, name string, r io.Reader) error {
	if err := validateName(name); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[name] = memoryArchive{data: data, modifiedAt: time.Now().UTC()}
	return nil
}

// GetArchive writes the named archive to w.
func (m *MemoryVault) GetArchive(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	a, ok := m.archives[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("archive %s: %w", name, hb.ErrNotFound)
	}

	if _, err := io.Copy(w, bytes.NewReader(a.data)); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// ListArchives returns stored archives ordered by name.
func (m *MemoryVault) ListArchives(ctx context.Context) ([]hb.ArchiveInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]hb.ArchiveInfo, 0, len(m.archives))
	for name, a := range m.archives {
		infos = append(infos, hb.ArchiveInfo{Name: name, Size: int64(len(a.data)), ModifiedAt: a.modifiedAt})
	}
	slices.SortFunc(infos, func(a, b hb.ArchiveInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos, nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// Compile-time check that MemoryVault implements hb.Vault interface
var _ hb.Vault = (*MemoryVault)(nil)
