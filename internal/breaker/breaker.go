// Package breaker implements a per (tenant, provider) circuit breaker whose
// state lives in the coordination store, so every process sheds load
// together.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tournevent/gatekeeper/internal/coord"
	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// CodeCircuitOpen is the error code of rejected calls.
const CodeCircuitOpen = "CIRCUIT_OPEN"

// State of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Outcome classifies a guarded call for the state machine.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	// OutcomeNeutral says nothing about provider health. It frees a
	// half-open trial without a transition.
	OutcomeNeutral Outcome = "neutral"
)

// Config tunes one provider's breaker.
type Config struct {
	Threshold  int
	Cooldown   time.Duration
	TrialLease time.Duration
}

// DefaultConfig is applied when no provider override exists.
var DefaultConfig = Config{Threshold: 5, Cooldown: 60 * time.Second, TrialLease: 60 * time.Second}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultConfig.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultConfig.Cooldown
	}
	if c.TrialLease <= 0 {
		c.TrialLease = DefaultConfig.TrialLease
	}
	return c
}

// stateTTL keeps idle failure history from living forever.
const stateTTL = 24 * time.Hour

// Returns {allowed, state, wait_ms, transitioned}.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local s = redis.call("HMGET", KEYS[1], "state", "retry_at_ms", "trial_token", "trial_until_ms")
local state = s[1] or "closed"

if state == "closed" then
  return {1, "closed", 0, 0}
end

if state == "open" then
  local retry_at = tonumber(s[2]) or 0
  if now < retry_at then
    return {0, "open", retry_at - now, 0}
  end
  redis.call("HSET", KEYS[1], "state", "half_open", "trial_token", ARGV[2], "trial_until_ms", tostring(now + tonumber(ARGV[3])))
  return {1, "half_open", 0, 1}
end

local trial_until = tonumber(s[4]) or 0
if s[3] and s[3] ~= "" and now < trial_until then
  return {0, "half_open", trial_until - now, 0}
end
redis.call("HSET", KEYS[1], "trial_token", ARGV[2], "trial_until_ms", tostring(now + tonumber(ARGV[3])))
return {1, "half_open", 0, 0}
`)

// Returns {previous_state, state, failures}.
var recordScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local outcome = ARGV[2]
local token = ARGV[3]
local threshold = tonumber(ARGV[4])
local cooldown = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local s = redis.call("HMGET", KEYS[1], "state", "failures", "trial_token")
local state = s[1] or "closed"
local failures = tonumber(s[2]) or 0
local is_trial = token ~= "" and s[3] == token

if outcome == "neutral" then
  if is_trial then
    redis.call("HDEL", KEYS[1], "trial_token", "trial_until_ms")
  end
  return {state, state, failures}
end

if outcome == "success" then
  if state == "open" then
    return {state, state, failures}
  end
  redis.call("DEL", KEYS[1])
  return {state, "closed", 0}
end

failures = failures + 1
if state == "open" then
  redis.call("HSET", KEYS[1], "failures", tostring(failures), "last_failure_ms", tostring(now))
  return {state, state, failures}
end

local next_state = state
if state == "half_open" or failures >= threshold then
  next_state = "open"
  redis.call("HSET", KEYS[1], "state", "open", "retry_at_ms", tostring(now + cooldown))
  redis.call("HDEL", KEYS[1], "trial_token", "trial_until_ms")
else
  redis.call("HSET", KEYS[1], "state", state)
end
redis.call("HSET", KEYS[1], "failures", tostring(failures), "last_failure_ms", tostring(now))
redis.call("PEXPIRE", KEYS[1], ttl)
return {state, next_state, failures}
`)

// Ticket is the permission to make one guarded call.
type Ticket struct {
	Tenant   string
	Provider string
	State    State
	trial    string
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	State       State     `json:"state"`
	Failures    int64     `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	RetryAt     time.Time `json:"retry_at,omitempty"`
}

// Breaker guards provider calls.
type Breaker struct {
	client  redis.UniversalClient
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	defaults  Config
	overrides map[string]Config
}

// New creates a breaker with cfg as the default for every provider.
func New(client redis.UniversalClient, cfg Config, logger *otelzap.Logger, metrics *telemetry.Metrics) *Breaker {
	return &Breaker{
		client:    client,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		defaults:  cfg.withDefaults(),
		overrides: make(map[string]Config),
	}
}

// SetConfig overrides the breaker configuration for a provider.
func (b *Breaker) SetConfig(providerName string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[providerName] = cfg.withDefaults()
}

// Config returns the effective configuration for a provider.
func (b *Breaker) Config(providerName string) Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if cfg, ok := b.overrides[providerName]; ok {
		return cfg
	}
	return b.defaults
}

// Key is the coordination store key of a breaker.
func Key(tenant, providerName string) string {
	return coord.Key("cb", tenant, providerName)
}

// Allow admits a call or rejects it with a CircuitOpen error. While half
// open only the holder of the trial lease is admitted.
func (b *Breaker) Allow(ctx context.Context, tenant, providerName string) (*Ticket, error) {
	cfg := b.Config(providerName)
	trial := uuid.NewString()

	res, err := allowScript.Run(ctx, b.client, []string{Key(tenant, providerName)},
		b.now().UnixMilli(), trial, cfg.TrialLease.Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("checking breaker: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected breaker reply of length %d", len(res))
	}
	allowed, err := coord.Int64(res[0])
	if err != nil {
		return nil, err
	}
	state := State(coord.String(res[1]))
	waitMS, err := coord.Int64(res[2])
	if err != nil {
		return nil, err
	}
	transitioned, err := coord.Int64(res[3])
	if err != nil {
		return nil, err
	}

	if transitioned == 1 {
		b.transition(ctx, tenant, providerName, StateOpen, state, 0)
	}
	if allowed != 1 {
		wait := time.Duration(waitMS) * time.Millisecond
		return nil, provider.New(providerName, provider.KindCircuitOpen, CodeCircuitOpen,
			fmt.Sprintf("circuit %s, retry in %s", state, wait.Round(time.Millisecond))).WithRetryAfter(wait)
	}

	t := &Ticket{Tenant: tenant, Provider: providerName, State: state}
	if state == StateHalfOpen {
		t.trial = trial
	}
	return t, nil
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(ctx context.Context, t *Ticket, outcome Outcome) error {
	cfg := b.Config(t.Provider)
	res, err := recordScript.Run(ctx, b.client, []string{Key(t.Tenant, t.Provider)},
		b.now().UnixMilli(),
		string(outcome),
		t.trial,
		cfg.Threshold,
		cfg.Cooldown.Milliseconds(),
		(cfg.Cooldown + stateTTL).Milliseconds(),
	).Slice()
	if err != nil {
		return fmt.Errorf("recording breaker outcome: %w", err)
	}
	if len(res) != 3 {
		return fmt.Errorf("unexpected breaker reply of length %d", len(res))
	}
	prev := State(coord.String(res[0]))
	next := State(coord.String(res[1]))
	failures, err := coord.Int64(res[2])
	if err != nil {
		return err
	}
	if prev != next {
		b.transition(ctx, t.Tenant, t.Provider, prev, next, failures)
	}
	return nil
}

// Guard runs fn if the breaker admits it and records its outcome.
func (b *Breaker) Guard(ctx context.Context, tenant, providerName string, fn func(context.Context) error) error {
	ticket, err := b.Allow(ctx, tenant, providerName)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.Record(rctx, ticket, OutcomeOf(callErr)); err != nil {
		b.logger.Ctx(ctx).Warn("Recording breaker outcome failed",
			zap.String("tenant", tenant), zap.String("provider", providerName), zap.Error(err))
	}
	return callErr
}

// State returns the breaker's effective state. An open breaker whose
// cooldown has elapsed reports half open.
func (b *Breaker) State(ctx context.Context, tenant, providerName string) (Snapshot, error) {
	fields, err := b.client.HGetAll(ctx, Key(tenant, providerName)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading breaker: %w", err)
	}

	snap := Snapshot{State: StateClosed}
	if s, ok := fields["state"]; ok {
		snap.State = State(s)
	}
	snap.Failures, _ = strconv.ParseInt(fields["failures"], 10, 64)
	if ms, err := strconv.ParseInt(fields["last_failure_ms"], 10, 64); err == nil {
		snap.LastFailure = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["retry_at_ms"], 10, 64); err == nil {
		snap.RetryAt = time.UnixMilli(ms)
	}
	if snap.State == StateOpen && !b.now().Before(snap.RetryAt) {
		snap.State = StateHalfOpen
	}
	return snap, nil
}

// Reset closes the breaker and clears its history.
func (b *Breaker) Reset(ctx context.Context, tenant, providerName string) error {
	if err := b.client.Del(ctx, Key(tenant, providerName)).Err(); err != nil {
		return fmt.Errorf("resetting breaker: %w", err)
	}
	b.logger.Ctx(ctx).Info("Circuit breaker reset",
		zap.String("tenant", tenant), zap.String("provider", providerName))
	return nil
}

func (b *Breaker) transition(ctx context.Context, tenant, providerName string, from, to State, failures int64) {
	b.metrics.RecordBreakerTransition(providerName, string(to))
	log := b.logger.Ctx(ctx)
	fields := []zap.Field{
		zap.String("tenant", tenant),
		zap.String("provider", providerName),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int64("failures", failures),
	}
	if to == StateOpen {
		log.Warn("Circuit breaker opened", fields...)
		return
	}
	log.Info("Circuit breaker transition", fields...)
}

// OutcomeOf maps a call error to a breaker outcome. Only provider
// unavailability counts as a failure.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return OutcomeNeutral
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeFailure
	case provider.KindOf(err) == provider.KindProviderUnavailable:
		return OutcomeFailure
	default:
		return OutcomeNeutral
	}
}
