// Package retry re-runs provider calls that failed for transient reasons
// using bounded exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tournevent/gatekeeper/pkg/provider"
)

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts counts the first call.
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait. A provider Retry-After hint above it
	// ends the loop instead of stalling the caller.
	MaxDelay time.Duration
	// MaxElapsed caps the whole loop, waits included.
	MaxElapsed time.Duration
}

// DefaultPolicy is applied when no provider override exists.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	return p
}

// Refresher forces a new session after the provider rejected the current
// one.
type Refresher func(ctx context.Context) error

// Notify observes each scheduled retry.
type Notify func(attempt int, err error, wait time.Duration)

type options struct {
	refresh Refresher
	notify  Notify
	rand    func() float64
}

// Option customises Do.
type Option func(*options)

// WithAuthRefresh enables one forced refresh and immediate retry on an
// authentication failure.
func WithAuthRefresh(r Refresher) Option {
	return func(o *options) { o.refresh = r }
}

// WithNotify registers a retry observer.
func WithNotify(n Notify) Option {
	return func(o *options) { o.notify = n }
}

// WithRand replaces the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(o *options) { o.rand = f }
}

// Do calls fn until it succeeds, fails permanently or the policy is spent.
// Errors are classified into the provider taxonomy; spent retryable errors
// surface as ProviderUnavailable.
func Do[T any](ctx context.Context, p Policy, providerName string, fn func(context.Context) (T, error), opts ...Option) (T, error) {
	p = p.withDefaults()
	o := options{rand: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}

	bo := &jitteredBackOff{base: p.BaseDelay, max: p.MaxDelay, rand: o.rand}
	refreshed := false
	attempt := 0

	call := func() (T, error) {
		attempt++
		res, err := fn(ctx)
		err = provider.Classify(providerName, err)

		if err != nil && o.refresh != nil && !refreshed && provider.KindOf(err) == provider.KindAuthenticationFailed {
			refreshed = true
			if rerr := o.refresh(ctx); rerr != nil {
				return res, classify(rerr, bo)
			}
			res, err = fn(ctx)
			err = provider.Classify(providerName, err)
		}
		if err != nil {
			return res, classify(err, bo)
		}
		return res, nil
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if o.notify != nil {
				o.notify(attempt, err, wait)
			}
		}),
	}
	if p.MaxElapsed > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	res, err := backoff.Retry(ctx, call, retryOpts...)
	if err == nil {
		return res, nil
	}

	// backoff.Retry unwraps permanent errors itself, except when the
	// attempt budget ran out on one.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return res, err
	}
	if _, ok := provider.AsError(err); ok && !provider.IsRetryable(err) {
		return res, err
	}
	return res, exhausted(providerName, err)
}

// classify marks non-retryable errors permanent and passes Retry-After
// hints to the backoff.
func classify(err error, bo *jitteredBackOff) error {
	if !provider.IsRetryable(err) {
		return backoff.Permanent(err)
	}
	if pe, ok := provider.AsError(err); ok && pe.RetryAfter > 0 {
		bo.hint = pe.RetryAfter
	}
	return err
}

func exhausted(providerName string, err error) error {
	pe, ok := provider.AsError(err)
	if !ok {
		return provider.Classify(providerName, err)
	}
	if pe.Kind == provider.KindProviderUnavailable {
		return pe
	}
	return provider.New(pe.Provider, provider.KindProviderUnavailable, pe.Code, pe.Message).
		WithStatusCode(pe.StatusCode).
		WithRetryAfter(pe.RetryAfter).
		WithCause(pe)
}

// jitteredBackOff waits base*2^n plus up to 30% jitter, or the provider's
// hint when one was seen.
type jitteredBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	hint    time.Duration
	rand    func() float64
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	n := b.attempt
	b.attempt++

	if hint := b.hint; hint > 0 {
		b.hint = 0
		if hint > b.max {
			return backoff.Stop
		}
		return hint
	}

	d := b.base
	for i := 0; i < n && d < b.max; i++ {
		d *= 2
	}
	d += time.Duration(b.rand() * 0.3 * float64(d))
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *jitteredBackOff) Reset() {
	b.attempt = 0
	b.hint = 0
}
