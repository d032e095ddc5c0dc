package store

import (
	"context"
	"sync"
)

// Memory is the built-in store backend: a mutex-guarded map.
// Suits single-process deployments and tests; anything that must
// survive a restart belongs in the badger or sql backends.
type Memory struct {
	mu       sync.Mutex
	values   map[string]string
	counters map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]string),
		counters: make(map[string]int64),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.values[key], nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.values[key]
	return ok, nil
}

func (m *Memory) CounterGet(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.counters[name], nil
}

func (m *Memory) CounterIncr(ctx context.Context, name string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[name] += delta
	return m.counters[name], nil
}
