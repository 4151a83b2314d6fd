package hb

import "io"

// Spool holds fetched version content until it is appended to the archive.
// Spooling makes the include-or-skip decision atomic: an entry is only appended
// once its bytes have been read completely.
type Spool interface {
	// Store reads r to EOF and keeps its bytes.
	Store(r io.Reader) (Spooled, error)
}

// Spooled is one stored blob.
type Spooled interface {
	// Open returns a reader over the stored bytes.
	Open() (io.ReadCloser, error)

	// Size is the number of bytes stored.
	Size() int64

	// Release frees the storage. The blob cannot be opened afterwards.
	Release() error
}
