package spool

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// memoryStore keeps blobs in a map. Useful for tests and small workspaces.
type memoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemorySpool creates an in-memory spool holding at most maxSize bytes
// (0 for no limit).
func NewMemorySpool(maxSize int64) *Spool {
	return &Spool{
		store:   &memoryStore{blobs: make(map[string][]byte)},
		maxSize: maxSize,
	}
}

func (m *memoryStore) put(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.blobs[id] = data
	m.mu.Unlock()
	return id, int64(len(data)), nil
}

func (m *memoryStore) open(id string) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.blobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("blob %s not found", id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) remove(id string) error {
	m.mu.Lock()
	delete(m.blobs, id)
	m.mu.Unlock()
	return nil
}
