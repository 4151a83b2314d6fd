package spool

import (
	"fmt"
	"io"
	"sync"

	"hb-go/internal/hb"
)

// ErrFull is returned by Store when holding another blob would exceed the
// configured maximum.
var ErrFull = hb.ErrSpoolFull

// blobStore abstracts where spooled bytes live.
// Concurrency is managed by the caller (Spool.mu) for accounting only;
// stores must tolerate concurrent put/open/remove on distinct ids.
type blobStore interface {
	// put reads r to EOF and stores its content under a fresh id.
	put(r io.Reader) (id string, size int64, err error)

	// open returns a reader for stored content.
	open(id string) (io.ReadCloser, error)

	// remove deletes stored content (best-effort).
	remove(id string) error
}

// Spool implements hb.Spool on top of a blobStore. It tracks how many
// bytes are held and enforces maxSize.
type Spool struct {
	store   blobStore
	maxSize int64 // 0 means unlimited
	mu      sync.Mutex
	used    int64
}

var _ hb.Spool = (*Spool)(nil)

// Store reads r completely into the spool.
func (s *Spool) Store(r io.Reader) (hb.Spooled, error) {
	if s.maxSize > 0 {
		s.mu.Lock()
		room := s.maxSize - s.used
		s.mu.Unlock()
		if room <= 0 {
			return nil, ErrFull
		}
		// One extra byte tells an exact fit apart from an overflow.
		r = io.LimitReader(r, room+1)
	}

	id, size, err := s.store.put(r)
	if err != nil {
		return nil, fmt.Errorf("storing content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize > 0 && s.used+size > s.maxSize {
		s.store.remove(id)
		return nil, fmt.Errorf("%w: would exceed max size of %d bytes", ErrFull, s.maxSize)
	}
	s.used += size
	return &blob{area: s, id: id, size: size}, nil
}

// Used returns the number of bytes currently held.
func (s *Spool) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Spool) release(b *blob) error {
	s.mu.Lock()
	s.used -= b.size
	s.mu.Unlock()
	return s.store.remove(b.id)
}

type blob struct {
	area *Spool
	id   string
	size int64

	once sync.Once
	err  error
}

func (b *blob) Open() (io.ReadCloser, error) {
	return b.area.store.open(b.id)
}

func (b *blob) Size() int64 {
	return b.size
}

// Release is idempotent.
func (b *blob) Release() error {
	b.once.Do(func() {
		b.err = b.area.release(b)
	})
	return b.err
}
