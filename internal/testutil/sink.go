package testutil

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"hb-go/internal/hb"
)

// RecordingSink is an hb.Sink that keeps every entry in memory, in append order.
type RecordingSink struct {
	mu        sync.Mutex
	order     []string
	entries   map[string][]byte
	markers   []string
	attempted []string
	finalized int

	// FailOn makes AddEntry fail for the named path with a fatal error.
	FailOn map[string]error
}

var _ hb.Sink = (*RecordingSink)(nil)

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{entries: make(map[string][]byte), FailOn: make(map[string]error)}
}

func (s *RecordingSink) AddEntry(path string, r io.Reader, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized > 0 {
		return errors.New("sink finalized")
	}
	s.attempted = append(s.attempted, path)
	if err, ok := s.FailOn[path]; ok {
		return err
	}
	if _, dup := s.entries[path]; dup {
		return fmt.Errorf("duplicate entry %s", path)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %w", hb.ErrEntryAborted, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("entry %s: read %d bytes, declared %d", path, len(data), size)
	}
	s.entries[path] = data
	s.order = append(s.order, path)
	return nil
}

func (s *RecordingSink) AddDirectoryMarker(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized > 0 {
		return errors.New("sink finalized")
	}
	s.markers = append(s.markers, path)
	s.order = append(s.order, path)
	return nil
}

func (s *RecordingSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
	return nil
}

// Entries returns the file entries by path.
func (s *RecordingSink) Entries() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = string(v)
	}
	return out
}

// Markers returns the directory markers in append order.
func (s *RecordingSink) Markers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.markers)
}

// Order returns every entry and marker name in append order.
func (s *RecordingSink) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// Attempted returns every path AddEntry was called with, including failed ones.
func (s *RecordingSink) Attempted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attempted)
}

// Finalized returns how many times Finalize was called.
func (s *RecordingSink) Finalized() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// RecordingSinks is an hb.SinkFactory handing out RecordingSinks.
// The most recent sink is available through Last.
type RecordingSinks struct {
	mu   sync.Mutex
	last *RecordingSink

	// Configure, if set, is applied to every new sink.
	Configure func(*RecordingSink)
}

var _ hb.SinkFactory = (*RecordingSinks)(nil)

func (f *RecordingSinks) NewSink(w io.Writer, delivery hb.Delivery) (hb.Sink, error) {
	s := NewRecordingSink()
	if f.Configure != nil {
		f.Configure(s)
	}
	f.mu.Lock()
	f.last = s
	f.mu.Unlock()
	return s, nil
}

func (f *RecordingSinks) Extension() string   { return "rec" }
func (f *RecordingSinks) ContentType() string { return "application/octet-stream" }

// Last returns the most recently created sink, or nil.
func (f *RecordingSinks) Last() *RecordingSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
