package yak

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCoord implements CoordStore in-process on an expiring cache. It
// backs tests and single-node runs where standing up Redis is overkill.
// The mutex serializes compare-and-set; the cache handles TTL expiry.
type MemoryCoord struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func NewMemoryCoord() *MemoryCoord {
	return &MemoryCoord{cache: gocache.New(gocache.NoExpiration, time.Second)}
}

func (m *MemoryCoord) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(key)
}

func (m *MemoryCoord) get(key string) ([]byte, error) {
	val, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val.([]byte), nil
}

func (m *MemoryCoord) CompareAndSet(_ context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matches(key, old) {
		return false, nil
	}
	m.set(key, new, ttl)
	return true, nil
}

func (m *MemoryCoord) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matches(key, old) {
		return false, nil
	}
	m.cache.Delete(key)
	return true, nil
}

func (m *MemoryCoord) matches(key string, old []byte) bool {
	cur, err := m.get(key)
	if err != nil {
		return len(old) == 0
	}
	return bytes.Equal(cur, old)
}

func (m *MemoryCoord) SetTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, ttl)
	return nil
}

func (m *MemoryCoord) set(key string, value []byte, ttl time.Duration) {
	exp := ttl
	if ttl <= 0 {
		exp = gocache.NoExpiration
	}
	m.cache.Set(key, append([]byte(nil), value...), exp)
}

func (m *MemoryCoord) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(key)
	return nil
}

func (m *MemoryCoord) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for key, item := range m.cache.Items() {
		if item.Expired() || !strings.HasPrefix(key, prefix) {
			continue
		}
		out[key] = item.Object.([]byte)
	}
	return out, nil
}

func (m *MemoryCoord) Close() error {
	m.cache.Flush()
	return nil
}
