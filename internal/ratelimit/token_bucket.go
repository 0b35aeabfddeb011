package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket throttles edit and draft submissions per device using a
// Redis-side bucket, so the limit holds across API replicas.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes cost tokens for the given key if available. On reject
// it also reports how long the caller should wait before retrying.
func (b *TokenBucket) Allow(ctx context.Context, key string, cost int) (bool, time.Duration, error) {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, cost, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	allowed := toInt64(arr[0]) == 1
	waitMillis := toInt64(arr[1])
	return allowed, time.Duration(waitMillis) * time.Millisecond, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

// bucketScript refills lazily from elapsed time, then either deducts
// the requested cost or reports the millis until enough tokens exist.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'refilled_ms')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil then tokens = capacity end
if refilled == nil then refilled = now end

local elapsed = math.max(0, now - refilled)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
elseif refill > 0 then
  wait = math.ceil((cost - tokens) / refill * 1000)
end

redis.call('HMSET', key, 'tokens', tokens, 'refilled_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, wait}
`)
