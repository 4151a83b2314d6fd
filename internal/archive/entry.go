package archive

import (
	"errors"
	"fmt"
	"io"

	"hb-go/internal/hb"
)

var errFinalized = errors.New("archive already finalized")

// sourceReader remembers the first read error so copyEntry can tell a broken
// source apart from a broken container.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// copyEntry copies one entry body. A failure of the source only aborts the
// entry, which is left short in the container; a failure writing the
// container is returned as is.
func copyEntry(dst io.Writer, src io.Reader) error {
	sr := &sourceReader{r: src}
	if _, err := io.Copy(dst, sr); err != nil {
		if sr.err != nil {
			return truncated(sr.err)
		}
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

func truncated(cause error) error {
	return fmt.Errorf("%w: %w: reading content: %w", hb.ErrEntryAborted, hb.ErrEntryTruncated, cause)
}
