package cache

import (
	"sync"
	"time"
)

type memEntry struct {
	value      []byte
	expiresAt  time.Time
	hits       int64
	lastAccess time.Time
}

// memory is the fast tier, bounded by total payload bytes and entry count.
type memory struct {
	limitBytes int64
	maxEntries int

	mu        sync.Mutex
	entries   map[string]*memEntry
	used      int64
	evictions int64
}

func newMemory(limitBytes int64, maxEntries int) *memory {
	return &memory{
		limitBytes: limitBytes,
		maxEntries: maxEntries,
		entries:    make(map[string]*memEntry),
	}
}

// get returns the value for key. An expired entry is removed and reported
// as a miss.
func (m *memory) get(key string, now time.Time) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		m.removeLocked(key, e)
		return nil, false
	}
	e.hits++
	e.lastAccess = now
	return e.value, true
}

// put stores value, evicting as needed. Values larger than the whole tier
// are not kept in memory.
func (m *memory) put(key string, value []byte, expiresAt, now time.Time) bool {
	size := int64(len(value))
	if size > m.limitBytes {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries[key]; ok {
		m.removeLocked(key, old)
	}
	for len(m.entries) > 0 && (m.used+size > m.limitBytes || len(m.entries) >= m.maxEntries) {
		m.evictOneLocked(now)
	}
	m.entries[key] = &memEntry{
		value:      value,
		expiresAt:  expiresAt,
		lastAccess: now,
	}
	m.used += size
	return true
}

// evictOneLocked drops an expired entry if there is one, otherwise the least
// important entry: fewest hits, then least recently used.
func (m *memory) evictOneLocked(now time.Time) {
	var (
		victimKey string
		victim    *memEntry
	)
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			victimKey, victim = k, e
			break
		}
		if victim == nil ||
			e.hits < victim.hits ||
			(e.hits == victim.hits && e.lastAccess.Before(victim.lastAccess)) {
			victimKey, victim = k, e
		}
	}
	m.removeLocked(victimKey, victim)
	m.evictions++
}

func (m *memory) removeLocked(key string, e *memEntry) {
	delete(m.entries, key)
	m.used -= int64(len(e.value))
}

func (m *memory) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		m.removeLocked(key, e)
	}
}

func (m *memory) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memEntry)
	m.used = 0
}

func (m *memory) purgeExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			m.removeLocked(k, e)
			n++
		}
	}
	return n
}

func (m *memory) usage() (entries int, bytes int64, evictions int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), m.used, m.evictions
}
