package archive

import (
	"bytes"
	"fmt"
	"io"

	"hb-go/internal/hb"
)

type bufferedEntry struct {
	path string
	data []byte
	dir  bool
}

// Buffered keeps every entry in memory and writes the complete container to
// its output in a single Write on Finalize. A later entry with the same path
// replaces the earlier one but keeps its position.
type Buffered struct {
	w         io.Writer
	newStream func(io.Writer) (hb.Sink, error)
	entries   []bufferedEntry
	index     map[string]int
	finalized bool
}

var _ hb.Sink = (*Buffered)(nil)

// NewBuffered creates a buffered sink that serializes through newStream.
func NewBuffered(w io.Writer, newStream func(io.Writer) (hb.Sink, error)) *Buffered {
	return &Buffered{
		w:         w,
		newStream: newStream,
		index:     make(map[string]int),
	}
}

// AddEntry reads r completely. If reading fails nothing is stored.
func (b *Buffered) AddEntry(path string, r io.Reader, size int64) error {
	if b.finalized {
		return errFinalized
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("%w: reading content: %w", hb.ErrEntryAborted, err)
	}
	b.put(bufferedEntry{path: path, data: buf.Bytes()})
	return nil
}

// AddDirectoryMarker records an empty directory entry.
func (b *Buffered) AddDirectoryMarker(path string) error {
	if b.finalized {
		return errFinalized
	}
	b.put(bufferedEntry{path: path, dir: true})
	return nil
}

func (b *Buffered) put(e bufferedEntry) {
	if i, ok := b.index[e.path]; ok {
		b.entries[i] = e
		return
	}
	b.index[e.path] = len(b.entries)
	b.entries = append(b.entries, e)
}

// Len returns the number of distinct entries held.
func (b *Buffered) Len() int {
	return len(b.entries)
}

// Finalize serializes all entries and writes the payload to the output.
func (b *Buffered) Finalize() error {
	if b.finalized {
		return errFinalized
	}
	b.finalized = true

	var payload bytes.Buffer
	stream, err := b.newStream(&payload)
	if err != nil {
		return err
	}
	for _, e := range b.entries {
		if e.dir {
			err = stream.AddDirectoryMarker(e.path)
		} else {
			err = stream.AddEntry(e.path, bytes.NewReader(e.data), int64(len(e.data)))
		}
		if err != nil {
			return fmt.Errorf("serializing %s: %w", e.path, err)
		}
	}
	if err := stream.Finalize(); err != nil {
		return err
	}
	b.entries, b.index = nil, nil

	if _, err := b.w.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	return nil
}
