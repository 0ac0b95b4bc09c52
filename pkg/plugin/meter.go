package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	hourlyTTL = 48 * time.Hour
	dailyTTL  = 35 * 24 * time.Hour
)

// Usage is the metering snapshot of one (slug, permission) pair.
type Usage struct {
	Calls      int64 `json:"calls"`
	Denied     int64 `json:"denied"`
	CallsHour  int64 `json:"calls_hour"`
	DeniedHour int64 `json:"denied_hour"`
	CallsDay   int64 `json:"calls_day"`
	DeniedDay  int64 `json:"denied_day"`
}

// Meter counts permission checks in a CounterStore. When the store fails it
// switches to in-memory counters; metering never influences the decision
// being metered.
type Meter struct {
	store    CounterStore
	fallback *MemoryCounters
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	degraded bool
}

// NewMeter builds a meter. A nil store meters in memory only.
func NewMeter(store CounterStore, now func() time.Time, logger *slog.Logger) *Meter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	fallback := NewMemoryCounters(now)
	if store == nil {
		store = fallback
	}
	return &Meter{store: store, fallback: fallback, now: now, logger: logger}
}

type meterKeys struct {
	total, hour, day string
}

func (m *Meter) keys(slug, permission, counter string) meterKeys {
	base := slug + ":" + permission + ":" + counter
	t := m.now().UTC()
	return meterKeys{
		total: base,
		hour:  base + ":hour:" + t.Format("2006010215"),
		day:   base + ":day:" + t.Format("20060102"),
	}
}

// Record counts one call and, when denied is true, one denial.
func (m *Meter) Record(ctx context.Context, slug, permission string, denied bool) {
	m.bump(ctx, m.keys(slug, permission, "calls"))
	if denied {
		m.bump(ctx, m.keys(slug, permission, "denied"))
	}
}

func (m *Meter) bump(ctx context.Context, k meterKeys) {
	m.with("increment", func(store CounterStore) error {
		if _, err := store.IncrementBy(ctx, k.total, 1); err != nil {
			return err
		}
		if _, err := store.IncrementBy(ctx, k.hour, 1); err != nil {
			return err
		}
		if err := store.Expire(ctx, k.hour, hourlyTTL); err != nil {
			return err
		}
		if _, err := store.IncrementBy(ctx, k.day, 1); err != nil {
			return err
		}
		return store.Expire(ctx, k.day, dailyTTL)
	})
}

// Usage reads the counters of a (slug, permission) pair.
func (m *Meter) Usage(ctx context.Context, slug, permission string) Usage {
	calls := m.keys(slug, permission, "calls")
	denied := m.keys(slug, permission, "denied")
	keys := []string{calls.total, denied.total, calls.hour, denied.hour, calls.day, denied.day}
	var values []int64
	m.with("read", func(store CounterStore) error {
		v, err := store.MultiGet(ctx, keys)
		if err != nil {
			return err
		}
		if len(v) != len(keys) {
			v = append(v, make([]int64, len(keys)-len(v))...)
		}
		values = v
		return nil
	})
	if values == nil {
		return Usage{}
	}
	return Usage{
		Calls:      values[0],
		Denied:     values[1],
		CallsHour:  values[2],
		DeniedHour: values[3],
		CallsDay:   values[4],
		DeniedDay:  values[5],
	}
}

// Reset deletes the totals and the current hourly and daily buckets.
func (m *Meter) Reset(ctx context.Context, slug, permission string) {
	calls := m.keys(slug, permission, "calls")
	denied := m.keys(slug, permission, "denied")
	keys := []string{calls.total, calls.hour, calls.day, denied.total, denied.hour, denied.day}
	m.with("reset", func(store CounterStore) error {
		return store.Delete(ctx, keys...)
	})
	if m.store != CounterStore(m.fallback) {
		_ = m.fallback.Delete(ctx, keys...)
	}
}

// Degraded reports whether the meter is currently using its in-memory fallback.
func (m *Meter) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *Meter) with(op string, fn func(CounterStore) error) {
	err := fn(m.store)
	if err == nil {
		m.recovered()
		return
	}
	m.mu.Lock()
	first := !m.degraded
	m.degraded = true
	m.mu.Unlock()
	if first {
		m.logger.Warn("counter store unavailable, metering in memory", "op", op, "error", err)
	}
	_ = fn(m.fallback)
}

func (m *Meter) recovered() {
	m.mu.Lock()
	was := m.degraded
	m.degraded = false
	m.mu.Unlock()
	if was {
		m.logger.Info("counter store recovered")
	}
}
