// Package cache is the query cache in front of the carpooling backend.
// Entries are JSON so the in-memory and Redis stores behave the same.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type Store interface {
	// Get decodes the entry for key into dst and reports whether it existed.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// MemoryStore is an in-process TTL cache.
type MemoryStore struct {
	mu    sync.RWMutex
	store map[string]entry
	now   func() time.Time
}

type entry struct {
	v       []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{store: make(map[string]entry), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	e, ok := m.store[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if e.expired(m.now()) {
		// A Set may have landed since the read lock was released.
		m.mu.Lock()
		e, ok = m.store[key]
		if ok && e.expired(m.now()) {
			delete(m.store, key)
			ok = false
		}
		m.mu.Unlock()
		if !ok {
			return false, nil
		}
	}
	if err := json.Unmarshal(e.v, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Set stores v. A non-positive ttl keeps the entry until invalidated.
func (m *MemoryStore) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e := entry{v: b}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.store[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.store, k)
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}
