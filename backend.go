package pitstore

import (
	"context"
	"sync"
)

// LogBackend persists the observation log outside process memory. Backends
// are append-only: one row per observation, never updated or deleted. The
// store writes observations through before making them visible and loads
// everything back on Open.
//
// Implementations must be safe for concurrent use. Failures are reported as
// errors matching ErrStoreUnavailable; the store never retries, callers own
// the retry policy.
type LogBackend interface {
	// AppendObservations durably appends a batch. The batch is written
	// atomically where the backend supports transactions.
	AppendObservations(ctx context.Context, observations []Observation) error

	// LoadObservations returns every persisted observation.
	LoadObservations(ctx context.Context) ([]Observation, error)

	// Close releases backend resources.
	Close() error
}

// Compile-time interface checks.
var (
	_ LogBackend = (*MemoryLogBackend)(nil)
	_ LogBackend = (*SQLiteBackend)(nil)
	_ LogBackend = (*PostgresBackend)(nil)
)

// MemoryLogBackend keeps observations in process memory. It exists for
// tests and as the reference implementation of the LogBackend contract;
// it provides no durability.
type MemoryLogBackend struct {
	mu           sync.RWMutex
	observations []Observation
	closed       bool
}

// NewMemoryLogBackend creates an empty in-memory backend.
func NewMemoryLogBackend() *MemoryLogBackend {
	return &MemoryLogBackend{}
}

// AppendObservations appends a batch.
func (m *MemoryLogBackend) AppendObservations(ctx context.Context, observations []Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newBackendError(BackendUnavailable, "memory append", "backend is closed", nil)
	}
	m.observations = append(m.observations, observations...)
	return nil
}

// LoadObservations returns a copy of every stored observation.
func (m *MemoryLogBackend) LoadObservations(ctx context.Context) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, newBackendError(BackendUnavailable, "memory load", "backend is closed", nil)
	}
	out := make([]Observation, len(m.observations))
	copy(out, m.observations)
	return out, nil
}

// Close marks the backend closed.
func (m *MemoryLogBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored observations.
func (m *MemoryLogBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observations)
}
