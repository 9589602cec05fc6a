package limits

import (
	"context"
	"sync"
	"time"
)

// WindowStore counts hits per key in fixed windows that start at the first
// hit and last window.
type WindowStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left until the window resets, rounded up to seconds.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

type FixedWindow struct {
	name   string
	limit  int
	window time.Duration
	store  WindowStore
}

func NewFixedWindow(name string, limit int, window time.Duration, store WindowStore) *FixedWindow {
	return &FixedWindow{name: name, limit: limit, window: window, store: store}
}

func (fw *FixedWindow) Name() string          { return fw.name }
func (fw *FixedWindow) Limit() int            { return fw.limit }
func (fw *FixedWindow) Window() time.Duration { return fw.window }

func (fw *FixedWindow) Take(ctx context.Context, key string) (Result, error) {
	count, resetAt, err := fw.store.Incr(ctx, fw.name+":"+key, fw.window)
	if err != nil {
		return Result{Allowed: true, Limit: fw.limit, Remaining: fw.limit}, err
	}
	remaining := fw.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(fw.limit),
		Limit:     fw.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

type windowEntry struct {
	count   int64
	resetAt time.Time
}

type MemoryWindowStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{entries: map[string]*windowEntry{}, now: time.Now}
}

func (m *MemoryWindowStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := m.entries[key]
	if e == nil || !now.Before(e.resetAt) {
		e = &windowEntry{resetAt: now.Add(window)}
		m.entries[key] = e
	}
	e.count++
	return e.count, e.resetAt, nil
}

func (m *MemoryWindowStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryWindowStore) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.resetAt) {
			delete(m.entries, k)
		}
	}
}
