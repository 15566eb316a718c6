package store

import (
	"context"
	"sync"
	"time"
)

// MemKV is an in-process KV with TTL expiry.
// It stands in for redis when the cache backend is disabled, which
// keeps single-node deployments and tests on the same code path.
type MemKV struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value   string
	expires time.Time // zero means no expiry
}

// NewMemKV returns an empty in-process KV
func NewMemKV() *MemKV {
	return &MemKV{items: make(map[string]memItem), now: time.Now}
}

var _ KV = (*MemKV)(nil)

// Get returns the value for key and whether it exists
func (m *MemKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	if m.expired(it) {
		delete(m.items, key)
		return "", false, nil
	}
	return it.value, true, nil
}

// SetIfAbsent stores key only when missing and reports whether it was set
func (m *MemKV) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.items[key]; ok && !m.expired(it) {
		return false, nil
	}

	it := memItem{value: value}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.items[key] = it
	return true, nil
}

// Close drops all entries
func (m *MemKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]memItem)
	return nil
}

func (m *MemKV) expired(it memItem) bool {
	return !it.expires.IsZero() && m.now().After(it.expires)
}
