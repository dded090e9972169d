package paytestutil

import (
	"context"
	"sync"

	"gitlab.com/arcanecrypto/paykit/internal/transport"
)

// MemoryTransport is an in-memory stand-in for transport.Connector: paths
// are kept as plain byte slices in a map, with no real network or
// encryption involved.
type MemoryTransport struct {
	mu     sync.Mutex
	values map[string][]byte
	BaseURL string
}

// NewMemoryTransport returns a ready MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{values: map[string][]byte{}, BaseURL: "memory://transport"}
}

var _ transport.Connector = (*MemoryTransport)(nil)

func (m *MemoryTransport) Init(ctx context.Context) error  { return nil }
func (m *MemoryTransport) Close(ctx context.Context) error { return nil }

// Create stores value at path and returns BaseURL + path as its URL.
func (m *MemoryTransport) Create(ctx context.Context, path string, value []byte, opts transport.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[path] = value
	return m.BaseURL + path, nil
}

// ReadRemote returns the value stored at url (stripping BaseURL), or nil if
// nothing has been written there.
func (m *MemoryTransport) ReadRemote(ctx context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := url
	if len(url) > len(m.BaseURL) && url[:len(m.BaseURL)] == m.BaseURL {
		path = url[len(m.BaseURL):]
	}
	value, ok := m.values[path]
	if !ok {
		return nil, nil
	}
	return value, nil
}

// GetURL returns the URL a value at path would be reachable at.
func (m *MemoryTransport) GetURL(ctx context.Context, path string, opts transport.Options) (string, error) {
	return m.BaseURL + path, nil
}

// Get is a test-only convenience accessor bypassing the URL round trip.
func (m *MemoryTransport) Get(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[path]
	return v, ok
}
