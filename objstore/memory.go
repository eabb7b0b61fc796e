package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Store for testing. Thread-safe. The fault hooks
// let tests simulate an unreachable or flaky remote.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte

	putErr error
	getErr error
}

// NewMemory creates an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// FailPuts makes every subsequent Put return err. Pass nil to heal.
func (m *Memory) FailPuts(err error) {
	m.mu.Lock()
	m.putErr = err
	m.mu.Unlock()
}

// FailGets makes every subsequent Get return err. Pass nil to heal.
func (m *Memory) FailGets(err error) {
	m.mu.Lock()
	m.getErr = err
	m.mu.Unlock()
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putErr != nil {
		return m.putErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
