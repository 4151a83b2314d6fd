package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"time"

	"hb-go/internal/hb"
)

// TarGzStream writes a gzip-compressed tar container to w as entries are added.
type TarGzStream struct {
	gz        *gzip.Writer
	tw        *tar.Writer
	modified  time.Time
	finalized bool
}

var _ hb.Sink = (*TarGzStream)(nil)

// NewTarGzStream creates a streaming tar.gz sink compressing at level.
func NewTarGzStream(w io.Writer, level int, modified time.Time) (*TarGzStream, error) {
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	return &TarGzStream{gz: gz, tw: tar.NewWriter(gz), modified: modified}, nil
}

// AddEntry appends a regular file. Tar headers carry the size, so content of
// unknown size (-1) is read into memory first.
func (t *TarGzStream) AddEntry(path string, r io.Reader, size int64) error {
	if t.finalized {
		return errFinalized
	}
	if size < 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("%w: reading content: %w", hb.ErrEntryAborted, err)
		}
		r, size = bytes.NewReader(data), int64(len(data))
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path,
		Size:     size,
		Mode:     0644,
		ModTime:  t.modified,
		Format:   tar.FormatPAX,
	}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}

	sr := &sourceReader{r: io.LimitReader(r, size)}
	n, err := io.Copy(t.tw, sr)
	if err != nil && sr.err == nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	if n < size {
		// The header promised size bytes; pad so the container stays readable.
		if _, err := io.CopyN(t.tw, zeros{}, size-n); err != nil {
			return fmt.Errorf("padding entry: %w", err)
		}
		cause := sr.err
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		return truncated(cause)
	}
	return nil
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// AddDirectoryMarker appends a directory entry.
func (t *TarGzStream) AddDirectoryMarker(path string) error {
	if t.finalized {
		return errFinalized
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     strings.TrimSuffix(path, "/") + "/",
		Mode:     0755,
		ModTime:  t.modified,
		Format:   tar.FormatPAX,
	}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar directory header: %w", err)
	}
	return nil
}

// Finalize closes the tar stream and flushes the gzip trailer.
func (t *TarGzStream) Finalize() error {
	if t.finalized {
		return errFinalized
	}
	t.finalized = true
	if err := t.tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}
	if err := t.gz.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}
	return nil
}
