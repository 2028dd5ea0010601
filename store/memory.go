package store

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Memory is a Store kept in process memory.
type Memory struct {
	mu     sync.Mutex
	scopes map[Scope]map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{scopes: make(map[Scope]map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, scope Scope, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.scopes[scope][key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, scope Scope, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(scope, key, value)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, scope Scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.scopes[scope], key)
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, scope Scope, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.scopes[scope] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Update implements Store. fn runs under the store lock.
func (m *Memory) Update(_ context.Context, scope Scope, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, found := m.scopes[scope][key]
	next, err := fn(slices.Clone(old), found)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.scopes[scope], key)
		return nil
	}
	m.putLocked(scope, key, next)
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) putLocked(scope Scope, key string, value []byte) {
	s, ok := m.scopes[scope]
	if !ok {
		s = make(map[string][]byte)
		m.scopes[scope] = s
	}
	s[key] = slices.Clone(value)
}
