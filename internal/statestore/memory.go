package statestore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	clock func() time.Time

	mu     sync.Mutex
	values map[string]memoryValue
	lists  map[string][]string
}

type memoryValue struct {
	value   string
	expires time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty store. A nil clock uses time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{clock: clock, values: make(map[string]memoryValue), lists: make(map[string][]string)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	if !v.expires.IsZero() && !m.clock().Before(v.expires) {
		delete(m.values, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memoryValue{value: value}
	if ttl > 0 {
		v.expires = m.clock().Add(ttl)
	}
	m.values[key] = v
	return nil
}

// Push implements Store.
func (m *Memory) Push(_ context.Context, key, value string, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]string{value}, m.lists[key]...)
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	m.lists[key] = list
	return nil
}

// Range implements Store.
func (m *Memory) Range(_ context.Context, key string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return append([]string(nil), list...), nil
}

// Len implements Store.
func (m *Memory) Len(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key]), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.lists, key)
	}
	return nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }
