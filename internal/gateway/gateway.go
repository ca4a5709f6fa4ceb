// Package gateway is the single entry point for calls to external
// providers. Every call passes through idempotency, the circuit breaker,
// the retry policy, the rate limiter and the token manager, in that order.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tournevent/gatekeeper/internal/breaker"
	"github.com/tournevent/gatekeeper/internal/idempotency"
	"github.com/tournevent/gatekeeper/internal/ratelimit"
	"github.com/tournevent/gatekeeper/internal/retry"
	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds one provider attempt when no override applies.
const DefaultCallTimeout = 30 * time.Second

// TokenSource supplies bearer tokens.
type TokenSource interface {
	GetValidToken(ctx context.Context, tenant, providerName string) (vault.Token, error)
	RefreshToken(ctx context.Context, tenant, providerName, stale string) (vault.Token, error)
}

// Request identifies one logical call.
type Request struct {
	Tenant    string
	Provider  string
	Operation string
	// IdempotencyKey makes the call at-most-once when set.
	IdempotencyKey string
	// Timeout overrides the per-attempt deadline.
	Timeout time.Duration
}

func (r Request) validate() error {
	if r.Tenant == "" || r.Provider == "" || r.Operation == "" {
		return provider.New(r.Provider, provider.KindValidationFailed, "INVALID_REQUEST",
			"tenant, provider and operation are required")
	}
	return nil
}

// Result is the raw outcome of a call.
type Result struct {
	Body json.RawMessage
	// Replayed reports that Body was stored by an earlier call with the
	// same idempotency key.
	Replayed bool
}

// CallFunc performs the provider request. The bearer token is available
// through provider.BearerFromContext.
type CallFunc func(ctx context.Context) ([]byte, error)

// Policy holds the per-provider call settings.
type Policy struct {
	Retry   retry.Policy
	Timeout time.Duration
}

// Deps are the components composed by the gateway.
type Deps struct {
	Idempotency *idempotency.Guard
	Breaker     *breaker.Breaker
	Limiter     *ratelimit.Limiter
	Tokens      TokenSource
	Tracer      trace.Tracer
	Metrics     *telemetry.Metrics
}

// Gateway composes the resilience components around provider calls.
type Gateway struct {
	idem    *idempotency.Guard
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	tokens  TokenSource
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	logger  *otelzap.Logger

	mu       sync.RWMutex
	defaults Policy
	policies map[string]Policy
}

// New creates a gateway using defaults for providers without a policy.
func New(deps Deps, defaults Policy, logger *otelzap.Logger) *Gateway {
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultCallTimeout
	}
	if defaults.Retry == (retry.Policy{}) {
		defaults.Retry = retry.DefaultPolicy
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("gatekeeper/gateway")
	}
	return &Gateway{
		idem:     deps.Idempotency,
		breaker:  deps.Breaker,
		limiter:  deps.Limiter,
		tokens:   deps.Tokens,
		tracer:   tracer,
		metrics:  deps.Metrics,
		logger:   logger,
		defaults: defaults,
		policies: make(map[string]Policy),
	}
}

// SetPolicy overrides retry and timeout settings for one provider. Zero
// fields keep the defaults.
func (g *Gateway) SetPolicy(providerName string, p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Timeout <= 0 {
		p.Timeout = g.defaults.Timeout
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = g.defaults.Retry.MaxAttempts
	}
	if p.Retry.BaseDelay <= 0 {
		p.Retry.BaseDelay = g.defaults.Retry.BaseDelay
	}
	if p.Retry.MaxDelay <= 0 {
		p.Retry.MaxDelay = g.defaults.Retry.MaxDelay
	}
	g.policies[providerName] = p
}

// Policy returns the effective settings for a provider.
func (g *Gateway) Policy(providerName string) Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.policies[providerName]; ok {
		return p
	}
	return g.defaults
}

// Call runs fn as one logical call. Failures are returned as
// *provider.Error, except caller cancellation which passes through.
func (g *Gateway) Call(ctx context.Context, req Request, fn CallFunc) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, "gateway."+req.Operation, trace.WithAttributes(
		attribute.String("gatekeeper.tenant", req.Tenant),
		attribute.String("gatekeeper.provider", req.Provider),
		attribute.String("gatekeeper.operation", req.Operation),
		attribute.Bool("gatekeeper.idempotent", req.IdempotencyKey != ""),
	))
	defer span.End()

	start := time.Now()
	scope := idempotency.Scope{
		Tenant:    req.Tenant,
		Provider:  req.Provider,
		Operation: req.Operation,
		Key:       req.IdempotencyKey,
	}
	body, replayed, err := g.idem.Do(ctx, scope, func(ctx context.Context) ([]byte, error) {
		var out []byte
		err := g.breaker.Guard(ctx, req.Tenant, req.Provider, func(ctx context.Context) error {
			var err error
			out, err = g.withRetry(ctx, req, fn)
			return err
		})
		return out, err
	})
	err = provider.Classify(req.Provider, err)

	outcome := outcomeOf(err, replayed)
	g.metrics.RecordCall(req.Provider, req.Operation, outcome, time.Since(start).Seconds())
	span.SetAttributes(attribute.String("gatekeeper.outcome", outcome))

	fields := []zap.Field{
		zap.String("tenant", req.Tenant),
		zap.String("provider", req.Provider),
		zap.String("operation", req.Operation),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		g.logger.Ctx(ctx).Warn("Provider call failed",
			append(fields, zap.String("outcome", outcome), zap.Error(err))...)
		return nil, err
	}
	g.logger.Ctx(ctx).Debug("Provider call succeeded", append(fields, zap.Bool("replayed", replayed))...)
	return &Result{Body: body, Replayed: replayed}, nil
}

func (g *Gateway) withRetry(ctx context.Context, req Request, fn CallFunc) ([]byte, error) {
	policy := g.Policy(req.Provider)
	timeout := policy.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	// The last bearer handed to fn; a forced refresh replaces only that one.
	var used string

	attempt := func(ctx context.Context) ([]byte, error) {
		if err := g.limiter.Acquire(ctx, req.Tenant, req.Provider, req.Operation); err != nil {
			return nil, err
		}
		tok, err := g.tokens.GetValidToken(ctx, req.Tenant, req.Provider)
		if err != nil {
			return nil, err
		}
		used = tok.Value

		actx, cancel := context.WithTimeout(provider.WithBearer(ctx, tok.Value), timeout)
		defer cancel()
		return fn(actx)
	}

	return retry.Do(ctx, policy.Retry, req.Provider, attempt,
		retry.WithAuthRefresh(func(ctx context.Context) error {
			_, err := g.tokens.RefreshToken(ctx, req.Tenant, req.Provider, used)
			return err
		}),
		retry.WithNotify(func(n int, err error, wait time.Duration) {
			g.logger.Ctx(ctx).Info("Retrying provider call",
				zap.String("tenant", req.Tenant),
				zap.String("provider", req.Provider),
				zap.String("operation", req.Operation),
				zap.Int("attempt", n),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
}

func outcomeOf(err error, replayed bool) string {
	switch {
	case err == nil && replayed:
		return "replayed"
	case err == nil:
		return "success"
	case provider.KindOf(err) != "":
		return string(provider.KindOf(err))
	default:
		return "canceled"
	}
}

// Invoke runs fn through g and decodes its JSON result. Replayed results
// are decoded from the stored body.
func Invoke[T any](ctx context.Context, g *Gateway, req Request, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	res, err := g.Call(ctx, req, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, false, err
	}

	var out T
	if err := json.Unmarshal(res.Body, &out); err != nil {
		return zero, res.Replayed, fmt.Errorf("decoding %s result: %w", req.Operation, err)
	}
	return out, res.Replayed, nil
}
