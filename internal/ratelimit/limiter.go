// Package ratelimit enforces per-operation provider quotas with token
// buckets keyed by (tenant, provider, operation).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Operation names with built-in default policies.
const (
	OpAuthenticate   = "authenticate"
	OpCreateShipment = "create_shipment"
	OpTrack          = "track"
)

// Policy is a bucket holding Capacity tokens refilled at RefillPerSecond.
type Policy struct {
	Capacity        int
	RefillPerSecond float64
}

// PerInterval allows n calls per d.
func PerInterval(n int, d time.Duration) Policy {
	return Policy{Capacity: n, RefillPerSecond: float64(n) / d.Seconds()}
}

func (p Policy) valid() bool {
	return p.Capacity > 0 && p.RefillPerSecond > 0
}

// DefaultPolicies are typical courier API limits.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		OpAuthenticate:   PerInterval(10, 5*time.Minute),
		OpCreateShipment: PerInterval(2, time.Second),
		OpTrack:          PerInterval(10, time.Second),
	}
}

// FallbackPolicy applies to operations without a configured policy.
var FallbackPolicy = PerInterval(5, time.Second)

// Decision is the outcome of one take attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Backend atomically takes one token from the bucket at key.
type Backend interface {
	Take(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
}

// WaitPolicy bounds how long Acquire waits for a token. Zero fails fast.
type WaitPolicy struct {
	MaxWait time.Duration
}

// Limiter applies policies and the wait policy on top of a Backend.
type Limiter struct {
	backend Backend
	wait    WaitPolicy
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	defaults  map[string]Policy
	overrides map[string]map[string]Policy
}

// New creates a limiter with DefaultPolicies.
func New(backend Backend, wait WaitPolicy, logger *otelzap.Logger, metrics *telemetry.Metrics) *Limiter {
	return &Limiter{
		backend:   backend,
		wait:      wait,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		defaults:  DefaultPolicies(),
		overrides: make(map[string]map[string]Policy),
	}
}

// SetPolicy overrides the policy of one operation for one provider.
func (l *Limiter) SetPolicy(providerName, operation string, p Policy) error {
	if !p.valid() {
		return fmt.Errorf("ratelimit: invalid policy for %s/%s: capacity and refill must be positive", providerName, operation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.overrides[providerName] == nil {
		l.overrides[providerName] = make(map[string]Policy)
	}
	l.overrides[providerName][operation] = p
	return nil
}

// Policy resolves the bucket policy for an operation.
func (l *Limiter) Policy(providerName, operation string) Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.overrides[providerName][operation]; ok {
		return p
	}
	if p, ok := l.defaults[operation]; ok {
		return p
	}
	return FallbackPolicy
}

// Acquire takes a token using the limiter's wait policy.
func (l *Limiter) Acquire(ctx context.Context, tenant, providerName, operation string) error {
	return l.AcquireWith(ctx, tenant, providerName, operation, l.wait)
}

// AcquireWith takes a token, sleeping for refills until wait.MaxWait is
// spent. Exhaustion fails with a RateLimited error carrying CodeLocalQuota.
func (l *Limiter) AcquireWith(ctx context.Context, tenant, providerName, operation string, wait WaitPolicy) error {
	p := l.Policy(providerName, operation)
	key := BucketKey(tenant, providerName, operation)
	deadline := l.now().Add(wait.MaxWait)
	waited := false

	for {
		now := l.now()
		d, err := l.backend.Take(ctx, key, p, now)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if d.Allowed {
			if waited {
				l.metrics.RecordRateLimitWait(providerName, operation)
			}
			return nil
		}

		if now.Add(d.RetryAfter).After(deadline) {
			l.metrics.RecordRateLimitRejection(providerName, operation)
			l.logger.Ctx(ctx).Info("Rate limit exhausted",
				zap.String("tenant", tenant),
				zap.String("provider", providerName),
				zap.String("operation", operation),
				zap.Duration("retry_after", d.RetryAfter),
			)
			return provider.New(providerName, provider.KindRateLimited, provider.CodeLocalQuota,
				fmt.Sprintf("quota for %s exhausted", operation)).WithRetryAfter(d.RetryAfter)
		}

		waited = true
		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
