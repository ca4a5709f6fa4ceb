package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tournevent/gatekeeper/internal/coord"
)

var redisBeginScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local operation = ARGV[2]
local token = ARGV[3]
local lease_ms = tonumber(ARGV[4])
local retention_ms = ARGV[5]

if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "operation", operation, "status", "pending", "lease_token", token, "lease_until_ms", tostring(now + lease_ms))
  redis.call("PEXPIRE", KEYS[1], retention_ms)
  return {"new"}
end

local s = redis.call("HMGET", KEYS[1], "operation", "status", "result", "failure", "lease_until_ms")
if s[1] ~= operation then
  return {"conflict"}
end
if s[2] == "completed" then
  return {"replay", s[3] or ""}
end
if s[2] == "failed" then
  return {"replay_failure", s[4] or ""}
end
if now >= (tonumber(s[5]) or 0) then
  redis.call("HSET", KEYS[1], "lease_token", token, "lease_until_ms", tostring(now + lease_ms))
  return {"new"}
end
return {"in_progress"}
`)

var redisFinishScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[1] or redis.call("HGET", KEYS[1], "status") ~= "pending" then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2], ARGV[3], ARGV[4])
redis.call("HDEL", KEYS[1], "lease_token", "lease_until_ms")
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

var redisReleaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[1] or redis.call("HGET", KEYS[1], "status") ~= "pending" then
  return 0
end
return redis.call("DEL", KEYS[1])
`)

var redisExtendScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[1] or redis.call("HGET", KEYS[1], "status") ~= "pending" then
  return 0
end
redis.call("HSET", KEYS[1], "lease_until_ms", tostring(tonumber(ARGV[2]) + tonumber(ARGV[3])))
return 1
`)

// RedisStore keeps idempotency records in the coordination store. Records
// expire through key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore creates a coordination-store-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func redisKey(sc Scope) string {
	return coord.Key("idem", sc.Tenant, sc.Provider, sc.Key)
}

// Begin implements Store.
func (s *RedisStore) Begin(ctx context.Context, sc Scope, token string, lease, retention time.Duration) (Claim, error) {
	values, err := redisBeginScript.Run(ctx, s.client, []string{redisKey(sc)},
		s.now().UnixMilli(),
		sc.Operation,
		token,
		lease.Milliseconds(),
		retention.Milliseconds(),
	).Slice()
	if err != nil {
		return Claim{}, fmt.Errorf("claiming idempotency key: %w", err)
	}
	if len(values) == 0 {
		return Claim{}, fmt.Errorf("unexpected idempotency begin reply")
	}

	state := State(coord.String(values[0]))
	switch state {
	case StateNew, StateConflict, StateInProgress:
		return Claim{State: state}, nil
	case StateReplay:
		if len(values) < 2 {
			return Claim{}, fmt.Errorf("unexpected replay payload")
		}
		return Claim{State: state, Result: []byte(coord.String(values[1]))}, nil
	case StateReplayFailure:
		if len(values) < 2 {
			return Claim{}, fmt.Errorf("unexpected replay payload")
		}
		var f Failure
		if err := json.Unmarshal([]byte(coord.String(values[1])), &f); err != nil {
			return Claim{}, fmt.Errorf("decoding stored failure: %w", err)
		}
		return Claim{State: state, Failure: &f}, nil
	default:
		return Claim{}, fmt.Errorf("unknown idempotency state %q", state)
	}
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, sc Scope, token string, result []byte, retention time.Duration) error {
	return s.finish(ctx, sc, token, statusCompleted, "result", result, retention)
}

// Fail implements Store.
func (s *RedisStore) Fail(ctx context.Context, sc Scope, token string, f Failure, retention time.Duration) error {
	blob, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding failure: %w", err)
	}
	return s.finish(ctx, sc, token, statusFailed, "failure", blob, retention)
}

func (s *RedisStore) finish(ctx context.Context, sc Scope, token, status, field string, payload []byte, retention time.Duration) error {
	n, err := redisFinishScript.Run(ctx, s.client, []string{redisKey(sc)},
		token, status, field, payload, retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("finishing idempotency record: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, sc Scope, token string) error {
	n, err := redisReleaseScript.Run(ctx, s.client, []string{redisKey(sc)}, token).Int64()
	if err != nil {
		return fmt.Errorf("releasing idempotency record: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Extend implements Store.
func (s *RedisStore) Extend(ctx context.Context, sc Scope, token string, lease time.Duration) error {
	n, err := redisExtendScript.Run(ctx, s.client, []string{redisKey(sc)},
		token, s.now().UnixMilli(), lease.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extending idempotency lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
