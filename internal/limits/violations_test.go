package limits

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(threshold int, window time.Duration) (*ViolationTracker, *fakeClock) {
	clock := newFakeClock()
	vt := NewViolationTracker(threshold, window)
	vt.now = clock.Now
	return vt, clock
}

func TestViolationTrackerEscalates(t *testing.T) {
	vt, _ := newTracker(3, time.Hour)

	count, escalate := vt.Record("203.0.113.7")
	assert.Equal(t, 1, count)
	assert.False(t, escalate)

	count, escalate = vt.Record("203.0.113.7")
	assert.Equal(t, 2, count)
	assert.False(t, escalate)
	assert.Equal(t, 2, vt.Count("203.0.113.7"))

	count, escalate = vt.Record("203.0.113.7")
	assert.Equal(t, 3, count)
	assert.True(t, escalate)

	assert.Equal(t, 3, vt.Count("203.0.113.7"), "counter survives until reset")

	count, escalate = vt.Record("203.0.113.7")
	assert.Equal(t, 4, count)
	assert.True(t, escalate, "still over threshold")

	vt.Reset("203.0.113.7")
	assert.Equal(t, 0, vt.Count("203.0.113.7"))
	assert.Equal(t, 0, vt.Len())
}

func TestViolationTrackerWindowRestarts(t *testing.T) {
	vt, clock := newTracker(3, 10*time.Minute)

	vt.Record("198.51.100.1")
	vt.Record("198.51.100.1")
	clock.Advance(11 * time.Minute)

	assert.Equal(t, 0, vt.Count("198.51.100.1"))
	count, escalate := vt.Record("198.51.100.1")
	assert.Equal(t, 1, count, "stale window starts over")
	assert.False(t, escalate)

	snap := vt.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, clock.Now(), snap[0].FirstSeen)
}

func TestViolationTrackerClientsAreIndependent(t *testing.T) {
	vt, _ := newTracker(2, time.Hour)

	vt.Record("10.0.0.1")
	_, escalate := vt.Record("10.0.0.2")
	assert.False(t, escalate)
	_, escalate = vt.Record("10.0.0.1")
	assert.True(t, escalate)
	assert.Equal(t, 1, vt.Count("10.0.0.2"))
}

func TestViolationTrackerSnapshotOrder(t *testing.T) {
	vt, clock := newTracker(10, time.Hour)

	vt.Record("10.0.0.2")
	clock.Advance(time.Second)
	vt.Record("10.0.0.1")
	vt.Record("10.0.0.1")
	vt.Record("10.0.0.3")

	snap := vt.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "10.0.0.1", snap[0].IP)
	assert.Equal(t, 2, snap[0].Count)
	assert.Equal(t, "10.0.0.2", snap[1].IP)
	assert.Equal(t, "10.0.0.3", snap[2].IP)
	assert.True(t, snap[0].LastSeen.After(snap[1].LastSeen))
}

func TestViolationTrackerResetAndCleanup(t *testing.T) {
	vt, clock := newTracker(5, time.Minute)

	vt.Record("10.0.0.1")
	vt.Record("10.0.0.2")
	vt.Reset("10.0.0.1")
	assert.Equal(t, 1, vt.Len())

	clock.Advance(2 * time.Minute)
	vt.Cleanup()
	assert.Equal(t, 0, vt.Len())
}

func TestViolationTrackerConcurrent(t *testing.T) {
	vt := NewViolationTracker(1000, time.Hour)

	var wg sync.WaitGroup
	escalations := make(chan struct{}, 1000)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, esc := vt.Record("192.0.2.1"); esc {
					escalations <- struct{}{}
				}
			}
		}()
	}
	wg.Wait()
	close(escalations)

	assert.Len(t, escalations, 1, "exactly one goroutine sees the threshold")
}
