package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// OptionStore persists runtime state as key/value pairs. Values are JSON
// documents; the runtime never relies on multi-key transactions.
type OptionStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// CounterStore is an atomic integer store used for permission metering.
type CounterStore interface {
	IncrementBy(ctx context.Context, key string, n int64) (int64, error)
	// MultiGet returns one value per key; missing keys read as zero.
	MultiGet(ctx context.Context, keys []string) ([]int64, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Router mounts plugin routes into the host HTTP surface.
type Router interface {
	Handle(method, pattern string, h http.Handler) error
}

// MemoryOptions is an in-process OptionStore.
type MemoryOptions struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryOptions returns an empty option store.
func NewMemoryOptions() *MemoryOptions {
	return &MemoryOptions{values: make(map[string]string)}
}

// Get implements OptionStore.
func (m *MemoryOptions) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements OptionStore.
func (m *MemoryOptions) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

type counter struct {
	value   int64
	expires time.Time
}

// MemoryCounters is an in-process CounterStore with TTL support. It backs the
// meter when no external store is configured and when the external store is
// unreachable.
type MemoryCounters struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

// NewMemoryCounters creates a counter store. A nil clock uses time.Now.
func NewMemoryCounters(now func() time.Time) *MemoryCounters {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounters{counters: make(map[string]*counter), now: now}
}

func (m *MemoryCounters) live(key string) *counter {
	c, ok := m.counters[key]
	if !ok {
		return nil
	}
	if !c.expires.IsZero() && !m.now().Before(c.expires) {
		delete(m.counters, key)
		return nil
	}
	return c
}

// IncrementBy implements CounterStore.
func (m *MemoryCounters) IncrementBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.live(key)
	if c == nil {
		c = &counter{}
		m.counters[key] = c
	}
	c.value += n
	return c.value, nil
}

// MultiGet implements CounterStore.
func (m *MemoryCounters) MultiGet(_ context.Context, keys []string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(keys))
	for i, key := range keys {
		if c := m.live(key); c != nil {
			out[i] = c.value
		}
	}
	return out, nil
}

// Delete implements CounterStore.
func (m *MemoryCounters) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.counters, key)
	}
	return nil
}

// Expire implements CounterStore.
func (m *MemoryCounters) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.live(key); c != nil {
		c.expires = m.now().Add(ttl)
	}
	return nil
}

func loadJSON(ctx context.Context, store OptionStore, key string, dst any) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok || raw == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, err
	}
	return true, nil
}

func storeJSON(ctx context.Context, store OptionStore, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(raw))
}
