package controlplane

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value   []byte
	expires time.Time
	timer   *time.Timer
}

// memoryCache expires entries with one timer per key.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*cacheEntry)}
}

func (m *memoryCache) set(key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok && old.timer != nil {
		old.timer.Stop()
	}

	entry := &cacheEntry{value: value}
	if ttl > 0 {
		entry.expires = time.Now().Add(ttl)
		entry.timer = time.AfterFunc(ttl, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.entries[key] == entry {
				delete(m.entries, key)
			}
		})
	}
	m.entries[key] = entry
}

func (m *memoryCache) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (m *memoryCache) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	m.entries = make(map[string]*cacheEntry)
}
