// Package coord wraps the shared coordination store (Redis) used for locks,
// rate-limit buckets, breaker state and token caching across processes.
package coord

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key written by the gateway.
const KeyPrefix = "gk"

// Options configures the store client.
type Options struct {
	Addrs    []string
	Password string
	DB       int
}

// NewClient returns a client for a single node, sentinel or cluster
// deployment depending on Addrs.
func NewClient(opts Options) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// Ping verifies the store is reachable.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}
	return nil
}

// Key joins parts under KeyPrefix.
func Key(parts ...string) string {
	return KeyPrefix + ":" + strings.Join(parts, ":")
}

// Int64 converts a Lua script reply element.
func Int64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("redis response overflows int64")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case string:
		return 0, fmt.Errorf("unexpected string redis response: %s", n)
	default:
		return 0, fmt.Errorf("unexpected redis response type %T", v)
	}
}

// String converts a Lua script reply element.
func String(v interface{}) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
