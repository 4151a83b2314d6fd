package hb

import (
	"context"
	"io"
	"time"
)

// ArchiveInfo describes an archive stored in a vault.
type ArchiveInfo struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
}

// Vault is a destination for finished archives.
// All operations stream so archives never need to fit in memory.
type Vault interface {
	// PutArchive stores the archive read from r under name. The size is not
	// known up front; r is read to EOF. Storing an existing name replaces it.
	PutArchive(ctx context.Context, name string, r io.Reader) error

	// GetArchive writes the named archive to w.
	GetArchive(ctx context.Context, name string, w io.Writer) error

	// ListArchives returns stored archives ordered by name.
	ListArchives(ctx context.Context) ([]ArchiveInfo, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}
