package archive

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"time"

	"hb-go/internal/hb"
)

// ZipStream writes a zip container to w as entries are added.
// Entries with the same path are written twice; readers usually see the last one.
type ZipStream struct {
	zw        *zip.Writer
	modified  time.Time
	finalized bool
}

var _ hb.Sink = (*ZipStream)(nil)

// NewZipStream creates a streaming zip sink compressing with deflate at level.
// modified is stamped on every entry.
func NewZipStream(w io.Writer, level int, modified time.Time) *ZipStream {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	return &ZipStream{zw: zw, modified: modified}
}

// AddEntry appends a deflated file entry. size is only informational.
func (z *ZipStream) AddEntry(path string, r io.Reader, size int64) error {
	if z.finalized {
		return errFinalized
	}
	fw, err := z.zw.CreateHeader(&zip.FileHeader{
		Name:     path,
		Method:   zip.Deflate,
		Modified: z.modified,
	})
	if err != nil {
		return fmt.Errorf("creating zip entry: %w", err)
	}
	return copyEntry(fw, r)
}

// AddDirectoryMarker appends an empty directory entry. path must end in '/'.
func (z *ZipStream) AddDirectoryMarker(path string) error {
	if z.finalized {
		return errFinalized
	}
	_, err := z.zw.CreateHeader(&zip.FileHeader{
		Name:     path,
		Method:   zip.Store,
		Modified: z.modified,
	})
	if err != nil {
		return fmt.Errorf("creating zip directory entry: %w", err)
	}
	return nil
}

// Finalize writes the central directory. The underlying writer is not closed.
func (z *ZipStream) Finalize() error {
	if z.finalized {
		return errFinalized
	}
	z.finalized = true
	if err := z.zw.Close(); err != nil {
		return fmt.Errorf("closing zip: %w", err)
	}
	return nil
}
