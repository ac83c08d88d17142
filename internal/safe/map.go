package safe

import (
	"sort"
	"sync"
)

// Map is a concurrency & type safe map
type Map[T any] struct {
	mu   sync.RWMutex
	data map[string]T
}

func NewMap[T any](data map[string]T) *Map[T] {
	return &Map[T]{
		data: data,
	}
}

func (m *Map[T]) Get(key string) T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key]
}

// Lookup returns the value and whether it exists
func (m *Map[T]) Lookup(key string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	return val, ok
}

func (m *Map[T]) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *Map[T]) Set(key string, value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]T{}
	}
	m.data[key] = value
}

// SetIfAbsent stores the value produced by fn when the key is missing and returns the stored value
func (m *Map[T]) SetIfAbsent(key string, fn func() (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.data[key]; ok {
		return val, nil
	}
	val, err := fn()
	if err != nil {
		return val, err
	}
	if m.data == nil {
		m.data = map[string]T{}
	}
	m.data[key] = val
	return val, nil
}

func (m *Map[T]) Del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *Map[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Keys returns the sorted keys of the map
func (m *Map[T]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map[T]) Range(fn func(key string, t T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, m := range m.data {
		if !fn(key, m) {
			break
		}
	}
}
