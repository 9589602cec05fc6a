package limits

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Block reasons.
const (
	ReasonViolations = "violation_threshold"
	ReasonScanner    = "scanner_user_agent"
	ReasonStatic     = "deny_list"
	ReasonManual     = "manual"
)

type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	// ExpiresAt is zero for permanent blocks.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (b BlockEntry) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

func (b BlockEntry) activeAt(now time.Time) bool {
	return b.Permanent() || now.Before(b.ExpiresAt)
}

// BlockList is the set of clients denied all further access.
type BlockList interface {
	// Block adds ip. A zero duration blocks permanently.
	Block(ctx context.Context, ip, reason string, d time.Duration) (BlockEntry, error)
	IsBlocked(ctx context.Context, ip string) (BlockEntry, bool, error)
	Unblock(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context) ([]BlockEntry, error)
}

type MemoryBlockList struct {
	mu      sync.RWMutex
	entries map[string]BlockEntry
	now     func() time.Time
}

func NewMemoryBlockList() *MemoryBlockList {
	return &MemoryBlockList{
		entries: map[string]BlockEntry{},
		now:     time.Now,
	}
}

func (m *MemoryBlockList) Block(_ context.Context, ip, reason string, d time.Duration) (BlockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := BlockEntry{IP: ip, Reason: reason, BlockedAt: now}
	if d > 0 {
		e.ExpiresAt = now.Add(d)
	}
	m.entries[ip] = e
	return e, nil
}

func (m *MemoryBlockList) IsBlocked(_ context.Context, ip string) (BlockEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[ip]
	if !ok || !e.activeAt(m.now()) {
		return BlockEntry{}, false, nil
	}
	return e, true, nil
}

func (m *MemoryBlockList) Unblock(_ context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ip]
	delete(m.entries, ip)
	return ok && e.activeAt(m.now()), nil
}

func (m *MemoryBlockList) List(_ context.Context) ([]BlockEntry, error) {
	m.mu.RLock()
	now := m.now()
	out := make([]BlockEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.activeAt(now) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sortEntries(out)
	return out, nil
}

func (m *MemoryBlockList) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for ip, e := range m.entries {
		if !e.activeAt(now) {
			delete(m.entries, ip)
		}
	}
}

func sortEntries(out []BlockEntry) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].BlockedAt.Before(out[j].BlockedAt)
		}
		return out[i].IP < out[j].IP
	})
}
