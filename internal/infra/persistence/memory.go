package persistence

import (
	"context"
	"fmt"
	"sync"
)

// MemoryKV is an in-process KV used by tests and in-memory-only deployments.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
	err  error
}

// NewMemoryKV creates an empty memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory kv get context: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put stores a copy of value.
func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory kv put context: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// FailWith makes every subsequent call return err; nil restores normal operation.
func (m *MemoryKV) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
