package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript counts admissions atomically in Redis using a sorted
// set of admission timestamps.
// KEYS[1] = limiter key
// ARGV[1] = window start (unix micros)
// ARGV[2] = now (unix micros)
// ARGV[3] = limit
// ARGV[4] = window TTL in seconds
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", window_start)
local count = redis.call("ZCARD", key)
if count >= limit then
    return {0, limit - count}
end
redis.call("ZADD", key, now, now)
redis.call("EXPIRE", key, ttl)
return {1, limit - count - 1}
`)

// RedisStore backs a limiter with shared Redis state, keeping admission
// counts correct across multiple engine instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed limiter store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}

func (s *RedisStore) Allow(ctx context.Context, id string, policy Policy) (bool, error) {
	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.key(id)},
		now.Add(-policy.Window).UnixMicro(),
		now.UnixMicro(),
		policy.Limit,
		int(policy.Window.Seconds())+1,
	).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script response %v", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

func (s *RedisStore) Remaining(ctx context.Context, id string, policy Policy) (int, error) {
	now := time.Now()
	if err := s.client.ZRemRangeByScore(ctx, s.key(id), "-inf",
		fmt.Sprintf("%d", now.Add(-policy.Window).UnixMicro())).Err(); err != nil {
		return 0, fmt.Errorf("redis limiter: %w", err)
	}
	count, err := s.client.ZCard(ctx, s.key(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis limiter: %w", err)
	}
	if remaining := policy.Limit - int(count); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (s *RedisStore) Reset(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis limiter: %w", err)
	}
	return nil
}
