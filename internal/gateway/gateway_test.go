package gateway_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/gatekeeper/internal/breaker"
	"github.com/tournevent/gatekeeper/internal/config"
	"github.com/tournevent/gatekeeper/internal/gateway"
	"github.com/tournevent/gatekeeper/internal/idempotency"
	"github.com/tournevent/gatekeeper/internal/ratelimit"
	"github.com/tournevent/gatekeeper/internal/retry"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type fakeTokens struct {
	mu        sync.Mutex
	current   string
	refreshes []string
}

func (f *fakeTokens) GetValidToken(context.Context, string, string) (vault.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return vault.Token{Value: f.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) RefreshToken(_ context.Context, _, _, stale string) (vault.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, stale)
	f.current = fmt.Sprintf("tok-%d", len(f.refreshes))
	return vault.Token{Value: f.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type harness struct {
	m       *miniredis.Miniredis
	gw      *gateway.Gateway
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	tokens  *fakeTokens
}

func newHarness(t *testing.T, bc breaker.Config) *harness {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := otelzap.New(zap.NewNop())
	h := &harness{
		m:       m,
		breaker: breaker.New(client, bc, logger, nil),
		limiter: ratelimit.New(ratelimit.NewRedisBackend(client), ratelimit.WaitPolicy{}, logger, nil),
		tokens:  &fakeTokens{current: "tok-0"},
	}
	idem := idempotency.NewGuard(idempotency.NewRedisStore(client), idempotency.Config{
		Lease:        time.Minute,
		Retention:    time.Hour,
		Wait:         2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, logger, nil)

	h.gw = gateway.New(gateway.Deps{
		Idempotency: idem,
		Breaker:     h.breaker,
		Limiter:     h.limiter,
		Tokens:      h.tokens,
	}, gateway.Policy{
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Timeout: time.Second,
	}, logger)
	return h
}

func createReq(key string) gateway.Request {
	return gateway.Request{Tenant: "acme", Provider: "freightcom", Operation: ratelimit.OpCreateShipment, IdempotencyKey: key}
}

func TestCall_RetriesServerErrorAndClosesBreaker(t *testing.T) {
	h := newHarness(t, breaker.Config{Threshold: 5, Cooldown: time.Minute})
	ctx := context.Background()

	var calls atomic.Int32
	var bearers []string
	res, err := h.gw.Call(ctx, createReq(""), func(ctx context.Context) ([]byte, error) {
		bearer, _ := provider.BearerFromContext(ctx)
		bearers = append(bearers, bearer)
		if calls.Add(1) == 1 {
			return nil, provider.FromStatus("freightcom", 503, "", "maintenance", nil)
		}
		return []byte(`{"id":"S1"}`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"S1"}`, string(res.Body))
	assert.False(t, res.Replayed)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"tok-0", "tok-0"}, bearers)

	snap, err := h.breaker.State(ctx, "acme", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Zero(t, snap.Failures)
}

func TestCall_RateLimitExhaustionDoesNotReachProvider(t *testing.T) {
	h := newHarness(t, breaker.Config{Threshold: 1, Cooldown: time.Minute})
	ctx := context.Background()
	require.NoError(t, h.limiter.SetPolicy("freightcom", ratelimit.OpCreateShipment, ratelimit.PerInterval(1, time.Minute)))

	var calls atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(`{}`), nil
	}

	_, err := h.gw.Call(ctx, createReq(""), fn)
	require.NoError(t, err)

	_, err = h.gw.Call(ctx, createReq(""), fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrLocalQuota)
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Greater(t, pe.RetryAfter, time.Duration(0))
	assert.Equal(t, int32(1), calls.Load())

	// Quota exhaustion never counts against the provider.
	snap, err := h.breaker.State(ctx, "acme", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, snap.State)
}

func TestCall_ReplaysIdempotentResult(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		n := calls.Add(1)
		return []byte(fmt.Sprintf(`{"shipment":"S%d"}`, n)), nil
	}

	first, err := h.gw.Call(ctx, createReq("order-42"), fn)
	require.NoError(t, err)
	second, err := h.gw.Call(ctx, createReq("order-42"), fn)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, string(first.Body), string(second.Body))
}

func TestCall_ConcurrentSameKeyExecutesOnce(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	ctx := context.Background()

	var calls atomic.Int32
	var replays atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.gw.Call(ctx, createReq("order-7"), func(context.Context) ([]byte, error) {
				calls.Add(1)
				time.Sleep(30 * time.Millisecond)
				return []byte(`{"shipment":"S7"}`), nil
			})
			if assert.NoError(t, err) && res.Replayed {
				replays.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(7), replays.Load())
}

func TestCall_CircuitOpensAndRejectsWithoutCalling(t *testing.T) {
	h := newHarness(t, breaker.Config{Threshold: 2, Cooldown: time.Minute})
	h.gw.SetPolicy("freightcom", gateway.Policy{Retry: retry.Policy{MaxAttempts: 1}})
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, provider.FromStatus("freightcom", 502, "", "bad gateway", nil)
	}
	req := gateway.Request{Tenant: "acme", Provider: "freightcom", Operation: ratelimit.OpTrack}

	for i := 0; i < 2; i++ {
		_, err := h.gw.Call(ctx, req, fn)
		assert.Equal(t, provider.KindProviderUnavailable, provider.KindOf(err))
	}

	_, err := h.gw.Call(ctx, req, fn)
	assert.ErrorIs(t, err, provider.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_AuthFailureRefreshesOnce(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	ctx := context.Background()

	var calls atomic.Int32
	res, err := h.gw.Call(ctx, createReq(""), func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		bearer, _ := provider.BearerFromContext(ctx)
		if bearer == "tok-0" {
			return nil, provider.FromStatus("freightcom", 401, "", "expired", nil)
		}
		return []byte(`"` + bearer + `"`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, `"tok-1"`, string(res.Body))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"tok-0"}, h.tokens.refreshes)
}

func TestCall_NonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, breaker.Config{})

	var calls atomic.Int32
	_, err := h.gw.Call(context.Background(), createReq("order-9"), func(context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, provider.FromStatus("freightcom", 422, "NOT_SERVICEABLE", "no service to postcode", nil)
	})
	assert.Equal(t, provider.KindNotServiceable, provider.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())

	// The business rejection is stored and replayed for the same key.
	_, err = h.gw.Call(context.Background(), createReq("order-9"), func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(`{}`), nil
	})
	assert.Equal(t, provider.KindNotServiceable, provider.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_AttemptTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	req := gateway.Request{Tenant: "acme", Provider: "freightcom", Operation: ratelimit.OpTrack, Timeout: 20 * time.Millisecond}

	var calls atomic.Int32
	_, err := h.gw.Call(context.Background(), req, func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.KindProviderUnavailable, pe.Kind)
	assert.Equal(t, "TIMEOUT", pe.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_RejectsIncompleteRequest(t *testing.T) {
	h := newHarness(t, breaker.Config{})

	_, err := h.gw.Call(context.Background(), gateway.Request{Provider: "freightcom"}, func(context.Context) ([]byte, error) {
		t.Fatal("must not be called")
		return nil, nil
	})
	assert.Equal(t, provider.KindValidationFailed, provider.KindOf(err))
}

type quote struct {
	Service string `json:"service"`
	Cents   int    `json:"cents"`
}

func TestInvoke_DecodesLiveAndReplayedResults(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	ctx := context.Background()

	fn := func(context.Context) (quote, error) {
		return quote{Service: "ground", Cents: 1299}, nil
	}

	live, replayed, err := gateway.Invoke(ctx, h.gw, createReq("q-1"), fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, quote{Service: "ground", Cents: 1299}, live)

	again, replayed, err := gateway.Invoke(ctx, h.gw, createReq("q-1"), func(context.Context) (quote, error) {
		return quote{Service: "changed"}, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, live, again)
}

func TestApplyPolicies(t *testing.T) {
	h := newHarness(t, breaker.Config{})

	policies, err := config.ParsePolicies([]byte(`
providers:
  freightcom:
    breaker:
      threshold: 3
      cooldown: 30s
    retry:
      max_attempts: 5
    call_timeout: 5s
    rate_limits:
      create_shipment:
        capacity: 4
        per: 1s
`))
	require.NoError(t, err)
	require.NoError(t, h.gw.ApplyPolicies(policies))

	bc := h.breaker.Config("freightcom")
	assert.Equal(t, 3, bc.Threshold)
	assert.Equal(t, 30*time.Second, bc.Cooldown)

	p := h.gw.Policy("freightcom")
	assert.Equal(t, 5, p.Retry.MaxAttempts)
	assert.Equal(t, time.Millisecond, p.Retry.BaseDelay)
	assert.Equal(t, 5*time.Second, p.Timeout)

	assert.Equal(t, ratelimit.PerInterval(4, time.Second), h.limiter.Policy("freightcom", ratelimit.OpCreateShipment))
	assert.Equal(t, ratelimit.DefaultPolicies()[ratelimit.OpTrack], h.limiter.Policy("freightcom", ratelimit.OpTrack))
}
