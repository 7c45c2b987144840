package pitstore

import (
	"context"
	"os"
	"sync"
)

// ObjectStore is flat key/blob storage for backup archives. Implementations
// cover the local filesystem, S3-compatible services, and memory for tests.
type ObjectStore interface {
	// Read reads an object.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write writes an object.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes an object.
	Delete(ctx context.Context, key string) error

	// List returns all keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// Ensure interfaces are implemented
var (
	_ ObjectStore = (*MemoryObjectStore)(nil)
	_ ObjectStore = (*DirObjectStore)(nil)
	_ ObjectStore = (*S3ObjectStore)(nil)
)

// MemoryObjectStore implements ObjectStore in process memory. Useful for
// testing.
type MemoryObjectStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryObjectStore creates a new in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		data: make(map[string][]byte),
	}
}

func (m *MemoryObjectStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *MemoryObjectStore) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryObjectStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if len(prefix) == 0 || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.data[key]
	return ok, nil
}

func (m *MemoryObjectStore) Close() error {
	return nil
}

// Size returns the number of stored objects.
func (m *MemoryObjectStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
