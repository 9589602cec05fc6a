package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindowStore is the INCR + PEXPIRE fixed window.
type RedisWindowStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisWindowStore(client *redis.Client, prefix string) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisWindowStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	k := r.prefix + ":rl:" + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr %s: %w", k, err)
	}

	now := r.now()
	count := incr.Val()
	left := ttl.Val()
	// A first hit, or a key left without expiry, opens a new window.
	if count == 1 || left < 0 {
		if err := r.client.PExpire(ctx, k, window).Err(); err != nil {
			return count, now.Add(window), fmt.Errorf("redis pexpire %s: %w", k, err)
		}
		left = window
	}
	return count, now.Add(left), nil
}
