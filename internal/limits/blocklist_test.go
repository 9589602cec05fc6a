package limits

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBlockList(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	bl := NewMemoryBlockList()
	bl.now = clock.Now

	t.Run("permanent block", func(t *testing.T) {
		e, err := bl.Block(ctx, "203.0.113.9", ReasonScanner, 0)
		require.NoError(t, err)
		assert.True(t, e.Permanent())

		clock.Advance(24 * time.Hour)
		got, blocked, err := bl.IsBlocked(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Equal(t, ReasonScanner, got.Reason)
	})

	t.Run("timed block expires", func(t *testing.T) {
		_, err := bl.Block(ctx, "203.0.113.10", ReasonViolations, time.Minute)
		require.NoError(t, err)

		_, blocked, _ := bl.IsBlocked(ctx, "203.0.113.10")
		assert.True(t, blocked)

		clock.Advance(2 * time.Minute)
		_, blocked, _ = bl.IsBlocked(ctx, "203.0.113.10")
		assert.False(t, blocked)

		list, err := bl.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "203.0.113.9", list[0].IP)

		bl.Cleanup()
		assert.Len(t, bl.entries, 1)
	})

	t.Run("unblock", func(t *testing.T) {
		removed, err := bl.Unblock(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = bl.Unblock(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.False(t, removed)

		_, blocked, _ := bl.IsBlocked(ctx, "203.0.113.9")
		assert.False(t, blocked)
	})
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisBlockList(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	bl := NewRedisBlockList(client, "test")

	_, err := bl.Block(ctx, "198.51.100.20", ReasonViolations, time.Minute)
	require.NoError(t, err)
	_, err = bl.Block(ctx, "198.51.100.21", ReasonScanner, 0)
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:blocked:198.51.100.20"))
	members, err := mr.Members("test:blocked")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"198.51.100.20", "198.51.100.21"}, members)

	e, blocked, err := bl.IsBlocked(ctx, "198.51.100.20")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, ReasonViolations, e.Reason)
	assert.False(t, e.Permanent())

	list, err := bl.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	mr.FastForward(2 * time.Minute)
	_, blocked, err = bl.IsBlocked(ctx, "198.51.100.20")
	require.NoError(t, err)
	assert.False(t, blocked)

	list, err = bl.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "198.51.100.21", list[0].IP)
	assert.True(t, list[0].Permanent())

	members, err = mr.Members("test:blocked")
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.21"}, members, "expired members are pruned")

	removed, err := bl.Unblock(ctx, "198.51.100.21")
	require.NoError(t, err)
	assert.True(t, removed)
	_, blocked, err = bl.IsBlocked(ctx, "198.51.100.21")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestRedisBlockListUnavailable(t *testing.T) {
	mr, client := newRedis(t)
	bl := NewRedisBlockList(client, "test")
	mr.Close()

	_, _, err := bl.IsBlocked(context.Background(), "198.51.100.1")
	assert.Error(t, err)
}
