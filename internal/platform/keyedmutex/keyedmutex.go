// Package keyedmutex serializes work per string key. The ingestion pipeline
// uses it to serialize concurrent submissions that share a content hash, so
// the second submission observes the first one's committed result.
package keyedmutex

import "sync"

type entry struct {
	mu      sync.Mutex
	waiters int
}

// Mutex provides per-key locking. Entries are removed once the last
// waiter releases, so the map stays bounded by in-flight keys.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Mutex {
	return &Mutex{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key, blocking while another holder owns it.
func (m *Mutex) Lock(key string) {
	m.mu.Lock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}

	e.waiters++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for key. It must pair with a prior Lock.
func (m *Mutex) Unlock(key string) {
	m.mu.Lock()

	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		panic("keyedmutex: unlock of unheld key " + key)
	}

	e.waiters--
	if e.waiters == 0 {
		delete(m.entries, key)
	}

	m.mu.Unlock()
	e.mu.Unlock()
}
