package limits

import (
	"sort"
	"sync"
	"time"
)

type Violation struct {
	IP        string    `json:"ip"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type violationEntry struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// ViolationTracker counts detected attacks per client. A client escalates
// once threshold violations land within window of its first one.
type ViolationTracker struct {
	mu        sync.Mutex
	entries   map[string]*violationEntry
	threshold int
	window    time.Duration
	now       func() time.Time
}

func NewViolationTracker(threshold int, window time.Duration) *ViolationTracker {
	return &ViolationTracker{
		entries:   map[string]*violationEntry{},
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

func (vt *ViolationTracker) Threshold() int {
	return vt.threshold
}

func (vt *ViolationTracker) Window() time.Duration {
	return vt.window
}

// Record adds one violation for ip and reports the running count and whether
// it is at or over the threshold. The entry is kept until Reset, so a caller
// whose block fails escalates again on the next violation.
func (vt *ViolationTracker) Record(ip string) (int, bool) {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	now := vt.now()
	e := vt.entries[ip]
	if e == nil || vt.expired(e, now) {
		e = &violationEntry{firstSeen: now}
		vt.entries[ip] = e
	}
	e.count++
	e.lastSeen = now

	return e.count, vt.threshold > 0 && e.count >= vt.threshold
}

func (vt *ViolationTracker) Count(ip string) int {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	e := vt.entries[ip]
	if e == nil || vt.expired(e, vt.now()) {
		return 0
	}
	return e.count
}

func (vt *ViolationTracker) Reset(ip string) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	delete(vt.entries, ip)
}

// Snapshot returns live entries, highest count first.
func (vt *ViolationTracker) Snapshot() []Violation {
	vt.mu.Lock()
	now := vt.now()
	out := make([]Violation, 0, len(vt.entries))
	for ip, e := range vt.entries {
		if vt.expired(e, now) {
			continue
		}
		out = append(out, Violation{IP: ip, Count: e.count, FirstSeen: e.firstSeen, LastSeen: e.lastSeen})
	}
	vt.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	return out
}

func (vt *ViolationTracker) Len() int {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	return len(vt.entries)
}

func (vt *ViolationTracker) Cleanup() {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	now := vt.now()
	for k, e := range vt.entries {
		if vt.expired(e, now) {
			delete(vt.entries, k)
		}
	}
}

func (vt *ViolationTracker) expired(e *violationEntry, now time.Time) bool {
	return vt.window > 0 && now.Sub(e.firstSeen) > vt.window
}
