package blobstore

import (
	"context"
	"sync"

	"github.com/fruitsalade/previewsync/internal/storage"
)

// Memory is an in-process Store. URLs have the form mem://<key>.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
	puts  int
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Upload stores a copy of content.
func (m *Memory) Upload(_ context.Context, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := "mem://" + Key(content)
	m.blobs[url] = append([]byte(nil), content...)
	m.puts++
	return url, nil
}

// Fetch returns a copy of the content stored at url.
func (m *Memory) Fetch(_ context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.blobs[url]
	if !ok {
		return nil, &Error{Op: "fetch", Ref: url, Err: storage.ErrNotFound}
	}
	return append([]byte(nil), content...), nil
}

// Uploads returns the number of Upload calls.
func (m *Memory) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
