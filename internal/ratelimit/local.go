package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalBackend keeps buckets in process memory. Limits only hold within one
// process, so it suits single-instance deployments and tests.
type LocalBackend struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalBackend creates an in-memory bucket backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{limiters: make(map[string]*rate.Limiter)}
}

// Take implements Backend.
func (b *LocalBackend) Take(_ context.Context, key string, p Policy, now time.Time) (Decision, error) {
	if !p.valid() {
		return Decision{}, fmt.Errorf("invalid policy %+v", p)
	}
	lim := b.limiter(key, p, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{}, fmt.Errorf("policy capacity %d cannot serve a request", p.Capacity)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(lim.TokensAt(now))}, nil
}

func (b *LocalBackend) limiter(key string, p Policy, now time.Time) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit := rate.Limit(p.RefillPerSecond)
	lim, ok := b.limiters[key]
	if !ok {
		lim = rate.NewLimiter(limit, p.Capacity)
		b.limiters[key] = lim
		return lim
	}
	if lim.Limit() != limit {
		lim.SetLimitAt(now, limit)
	}
	if lim.Burst() != p.Capacity {
		lim.SetBurstAt(now, p.Capacity)
	}
	return lim
}

var _ Backend = (*LocalBackend)(nil)
