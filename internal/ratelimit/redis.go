package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tournevent/gatekeeper/internal/coord"
)

// Refill happens only when now is ahead of last_ms so a lagging process
// clock never rewinds the bucket.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "last_ms")
local tokens = tonumber(state[1])
local last_ms = tonumber(state[2])
if tokens == nil or last_ms == nil then
  tokens = capacity
  last_ms = now_ms
end
if tokens > capacity then
  tokens = capacity
end

if now_ms > last_ms then
  tokens = math.min(capacity, tokens + (now_ms - last_ms) * refill_per_ms)
  last_ms = now_ms
end

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry_ms = math.ceil((1 - tokens) / refill_per_ms)
  if retry_ms < 1 then
    retry_ms = 1
  end
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_ms", tostring(last_ms))
redis.call("PEXPIRE", KEYS[1], math.ceil(capacity / refill_per_ms) + 1000)

return {allowed, math.floor(tokens), retry_ms}
`)

// BucketKey is the coordination store key of a bucket.
func BucketKey(tenant, providerName, operation string) string {
	return coord.Key("rl", tenant, providerName, operation)
}

// RedisBackend keeps buckets in the coordination store so limits hold
// across processes.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a store-backed bucket backend.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Take implements Backend.
func (b *RedisBackend) Take(ctx context.Context, key string, p Policy, now time.Time) (Decision, error) {
	if !p.valid() {
		return Decision{}, fmt.Errorf("invalid policy %+v", p)
	}
	raw, err := takeScript.Run(ctx, b.client, []string{key},
		p.Capacity,
		p.RefillPerSecond/1000.0,
		now.UnixMilli(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("taking token: %w", err)
	}
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("unexpected bucket script reply of length %d", len(raw))
	}

	allowed, err := coord.Int64(raw[0])
	if err != nil {
		return Decision{}, err
	}
	remaining, err := coord.Int64(raw[1])
	if err != nil {
		return Decision{}, err
	}
	retryMS, err := coord.Int64(raw[2])
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(max(remaining, 0)),
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
	}, nil
}

var _ Backend = (*RedisBackend)(nil)
