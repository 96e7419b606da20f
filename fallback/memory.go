package fallback

import (
	"slices"
	"strings"
	"sync"
)

// Memory is an in-process Store, used in tests and when no fallback
// directory is configured.
type Memory struct {
	mu       sync.RWMutex
	items    map[string]string
	used     int64
	capacity int64
}

// NewMemory creates a store holding at most capacity bytes of keys and
// values. A capacity of zero or less means unbounded.
func NewMemory(capacity int64) *Memory {
	return &Memory{
		items:    make(map[string]string),
		capacity: capacity,
	}
}

func (m *Memory) GetItem(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.used + itemSize(key, value)
	if old, ok := m.items[key]; ok {
		used -= itemSize(key, old)
	}
	if m.capacity > 0 && used > m.capacity {
		return ErrCapacityExceeded
	}
	m.items[key] = value
	m.used = used
	return nil
}

func (m *Memory) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.items[key]; ok {
		m.used -= itemSize(key, old)
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Used returns the bytes currently counted against capacity.
func (m *Memory) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

var _ Store = (*Memory)(nil)
