package testutil

import (
	"errors"
	"io"

	"hb-go/internal/hb"
	"hb-go/internal/spool"
)

// DefaultSpoolMaxSize bounds test spools (10MB).
const DefaultSpoolMaxSize = 10 * 1024 * 1024

// NewTestSpool creates an in-memory spool for testing.
func NewTestSpool() *spool.Spool {
	return spool.NewMemorySpool(DefaultSpoolMaxSize)
}

// ErrSpoolRead is returned by content handed out by an UnreadableSpool.
var ErrSpoolRead = errors.New("spooled content unreadable")

// UnreadableSpool stores content normally, but reading it back yields only
// the first half before failing with ErrSpoolRead.
type UnreadableSpool struct {
	hb.Spool
}

var _ hb.Spool = (*UnreadableSpool)(nil)

// NewUnreadableSpool wraps a fresh test spool.
func NewUnreadableSpool() *UnreadableSpool {
	return &UnreadableSpool{Spool: NewTestSpool()}
}

func (s *UnreadableSpool) Store(r io.Reader) (hb.Spooled, error) {
	b, err := s.Spool.Store(r)
	if err != nil {
		return nil, err
	}
	return unreadable{Spooled: b}, nil
}

type unreadable struct {
	hb.Spooled
}

func (u unreadable) Open() (io.ReadCloser, error) {
	rc, err := u.Spooled.Open()
	if err != nil {
		return nil, err
	}
	r := io.MultiReader(io.LimitReader(rc, u.Size()/2), failingReader{})
	return struct {
		io.Reader
		io.Closer
	}{r, rc}, nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, ErrSpoolRead }
