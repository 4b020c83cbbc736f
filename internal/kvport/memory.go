package kvport

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is the process-local KV used when Redis is unavailable, and
// in tests. Values live in a go-cache store with per-key TTLs; counter
// windows are tracked separately because they need atomic semantics.
type Memory struct {
	cache *gocache.Cache

	mu      sync.Mutex
	windows map[string]*memWindow
}

type memWindow struct {
	count   int
	resetAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		cache:   gocache.New(gocache.NoExpiration, time.Minute),
		windows: make(map[string]*memWindow),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v.([]byte), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.cache.Set(key, value, ttl)
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.cache.Delete(k)
	}
	return nil
}

// DelOne checks and deletes under the window mutex so concurrent
// callers cannot both observe the key.
func (m *Memory) DelOne(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache.Get(key); !ok {
		return false, nil
	}
	m.cache.Delete(key)
	return true, nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &memWindow{resetAt: now.Add(window)}
		m.windows[key] = w
	}
	w.count++

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return WindowResult{
		Allowed:   w.count <= limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}, nil
}

func (m *Memory) DelPrefix(_ context.Context, prefix string) error {
	for key := range m.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			m.cache.Delete(key)
		}
	}
	return nil
}
