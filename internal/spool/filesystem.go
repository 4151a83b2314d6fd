package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// fileSystemStore keeps each blob in its own file under dir.
//
// Directory structure:
//
//	<spool_dir>/
//	  <uuid>.blob
type fileSystemStore struct {
	dir string
}

// NewFileSystemSpool creates a spool backed by files in dir, holding at most
// maxSize bytes (0 for no limit).
func NewFileSystemSpool(dir string, maxSize int64) (*Spool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Spool{
		store:   &fileSystemStore{dir: dir},
		maxSize: maxSize,
	}, nil
}

func (f *fileSystemStore) path(id string) string {
	return filepath.Join(f.dir, id+".blob")
}

func (f *fileSystemStore) put(r io.Reader) (string, int64, error) {
	id := uuid.NewString()
	path := f.path(id)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", 0, fmt.Errorf("creating spool file: %w", err)
	}
	size, err := io.Copy(file, r)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	return id, size, nil
}

func (f *fileSystemStore) open(id string) (io.ReadCloser, error) {
	return os.Open(f.path(id))
}

func (f *fileSystemStore) remove(id string) error {
	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
