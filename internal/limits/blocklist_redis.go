package limits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlockList shares blocks between gateway replicas. Members live in one
// set; each member has a detail hash that carries the TTL for timed blocks.
type RedisBlockList struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisBlockList(client *redis.Client, prefix string) *RedisBlockList {
	return &RedisBlockList{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisBlockList) setKey() string {
	return r.prefix + ":blocked"
}

func (r *RedisBlockList) entryKey(ip string) string {
	return r.prefix + ":blocked:" + ip
}

func (r *RedisBlockList) Block(ctx context.Context, ip, reason string, d time.Duration) (BlockEntry, error) {
	now := r.now()
	e := BlockEntry{IP: ip, Reason: reason, BlockedAt: now}
	if d > 0 {
		e.ExpiresAt = now.Add(d)
	}

	key := r.entryKey(ip)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]any{
			"reason":     reason,
			"blocked_at": strconv.FormatInt(now.UnixMilli(), 10),
			"expires_at": strconv.FormatInt(unixMilliOrZero(e.ExpiresAt), 10),
		})
		if d > 0 {
			pipe.PExpire(ctx, key, d)
		}
		pipe.SAdd(ctx, r.setKey(), ip)
		return nil
	})
	if err != nil {
		return BlockEntry{}, fmt.Errorf("redis block %s: %w", ip, err)
	}
	return e, nil
}

func (r *RedisBlockList) IsBlocked(ctx context.Context, ip string) (BlockEntry, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.entryKey(ip)).Result()
	if err != nil {
		return BlockEntry{}, false, fmt.Errorf("redis lookup %s: %w", ip, err)
	}
	if len(vals) == 0 {
		return BlockEntry{}, false, nil
	}
	e := decodeEntry(ip, vals)
	if !e.activeAt(r.now()) {
		return BlockEntry{}, false, nil
	}
	return e, true, nil
}

func (r *RedisBlockList) Unblock(ctx context.Context, ip string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.entryKey(ip))
		pipe.SRem(ctx, r.setKey(), ip)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis unblock %s: %w", ip, err)
	}
	return del.Val() > 0, nil
}

func (r *RedisBlockList) List(ctx context.Context) ([]BlockEntry, error) {
	ips, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list blocked: %w", err)
	}
	if len(ips) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ips))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, ip := range ips {
			cmds[i] = pipe.HGetAll(ctx, r.entryKey(ip))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis list blocked: %w", err)
	}

	now := r.now()
	out := make([]BlockEntry, 0, len(ips))
	var stale []any
	for i, ip := range ips {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			stale = append(stale, ip)
			continue
		}
		if e := decodeEntry(ip, vals); e.activeAt(now) {
			out = append(out, e)
		}
	}
	// Detail hashes expire on their own; drop the dangling set members.
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.setKey(), stale...).Err()
	}
	sortEntries(out)
	return out, nil
}

func decodeEntry(ip string, vals map[string]string) BlockEntry {
	e := BlockEntry{IP: ip, Reason: vals["reason"]}
	if ms, err := strconv.ParseInt(vals["blocked_at"], 10, 64); err == nil && ms > 0 {
		e.BlockedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(vals["expires_at"], 10, 64); err == nil && ms > 0 {
		e.ExpiresAt = time.UnixMilli(ms)
	}
	return e
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
