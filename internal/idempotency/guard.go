package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// MaxKeyLength bounds caller-supplied keys.
const MaxKeyLength = 255

// Error codes raised by the guard.
const (
	CodeKeyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodeKeyInvalid  = "IDEMPOTENCY_KEY_INVALID"
	CodeInProgress  = "IDEMPOTENCY_IN_PROGRESS"
	defaultPollWait = 100 * time.Millisecond

	storeAttempts = 4
	storeTimeout  = 10 * time.Second
)

// Config tunes the guard.
type Config struct {
	// Lease is how long a claim stays exclusive without a heartbeat. The
	// holder extends it every Lease/3 while its call runs.
	Lease time.Duration
	// Retention is how long stored results are replayed.
	Retention time.Duration
	// Wait bounds how long a caller waits for a concurrent holder.
	Wait         time.Duration
	PollInterval time.Duration
	// StoreRetryDelay spaces attempts to store an outcome.
	StoreRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lease <= 0 {
		c.Lease = 90 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.Wait <= 0 {
		c.Wait = 35 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollWait
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = 250 * time.Millisecond
	}
	return c
}

// Guard runs calls under idempotency keys.
type Guard struct {
	store   Store
	cfg     Config
	logger  *otelzap.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	retention map[string]time.Duration
}

// NewGuard creates a guard over store.
func NewGuard(store Store, cfg Config, logger *otelzap.Logger, metrics *telemetry.Metrics) *Guard {
	return &Guard{
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   metrics,
		retention: make(map[string]time.Duration),
	}
}

// SetRetention overrides the retention window of one provider.
func (g *Guard) SetRetention(providerName string, d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retention[providerName] = d
}

func (g *Guard) retentionFor(providerName string) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if d, ok := g.retention[providerName]; ok {
		return d
	}
	return g.cfg.Retention
}

// Do runs fn at most once per scope. replayed reports that the result (or
// error) came from an earlier execution. An empty key runs fn directly.
func (g *Guard) Do(ctx context.Context, s Scope, fn func(context.Context) ([]byte, error)) (result []byte, replayed bool, err error) {
	if s.Key == "" {
		result, err = fn(ctx)
		return result, false, err
	}
	if len(s.Key) > MaxKeyLength {
		return nil, false, provider.New(s.Provider, provider.KindValidationFailed, CodeKeyInvalid,
			fmt.Sprintf("idempotency key longer than %d characters", MaxKeyLength))
	}

	log := g.logger.Ctx(ctx)
	retention := g.retentionFor(s.Provider)
	deadline := time.Now().Add(g.cfg.Wait)
	token := uuid.NewString()

	for {
		claim, err := g.store.Begin(ctx, s, token, g.cfg.Lease, retention)
		if err != nil {
			return nil, false, fmt.Errorf("claiming idempotency key: %w", err)
		}

		switch claim.State {
		case StateNew:
			return g.run(ctx, s, token, retention, fn)

		case StateReplay:
			g.metrics.RecordReplay(s.Provider, s.Operation)
			log.Info("Replaying stored result",
				zap.String("tenant", s.Tenant),
				zap.String("provider", s.Provider),
				zap.String("operation", s.Operation),
				zap.String("idempotency_key", s.Key),
			)
			return claim.Result, true, nil

		case StateReplayFailure:
			g.metrics.RecordReplay(s.Provider, s.Operation)
			if claim.Failure == nil {
				return nil, true, provider.New(s.Provider, provider.KindValidationFailed, "", "stored failure")
			}
			return nil, true, claim.Failure.Err(s.Provider)

		case StateConflict:
			return nil, false, provider.New(s.Provider, provider.KindValidationFailed, CodeKeyReused,
				"idempotency key already used for a different operation")

		case StateInProgress:
			if !time.Now().Before(deadline) {
				return nil, false, provider.New(s.Provider, provider.KindProviderUnavailable, CodeInProgress,
					"a call with this idempotency key is still in progress").WithRetryAfter(g.cfg.PollInterval)
			}
			timer := time.NewTimer(g.cfg.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, false, ctx.Err()
			case <-timer.C:
			}

		default:
			return nil, false, fmt.Errorf("unknown idempotency state %q", claim.State)
		}
	}
}

func (g *Guard) run(ctx context.Context, s Scope, token string, retention time.Duration, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	log := g.logger.Ctx(ctx)
	fields := []zap.Field{
		zap.String("tenant", s.Tenant),
		zap.String("provider", s.Provider),
		zap.String("operation", s.Operation),
		zap.String("idempotency_key", s.Key),
	}

	stop := g.heartbeat(ctx, s, token, fields)
	result, callErr := fn(ctx)
	stop()

	// The outcome must be stored even when the caller went away.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if callErr == nil {
		err := g.persist(sctx, func(ctx context.Context) error {
			return g.store.Complete(ctx, s, token, result, retention)
		})
		if err != nil {
			// The mutation happened; the pending claim blocks re-execution
			// until its lease lapses.
			log.Error("Storing idempotent result failed", append(fields, zap.Error(err))...)
		}
		return result, false, nil
	}

	if f, ok := terminalFailure(callErr); ok {
		err := g.persist(sctx, func(ctx context.Context) error {
			return g.store.Fail(ctx, s, token, f, retention)
		})
		if err != nil {
			log.Error("Storing idempotent failure failed", append(fields, zap.Error(err))...)
		}
		return nil, false, callErr
	}

	if err := g.store.Release(sctx, s, token); err != nil {
		log.Warn("Releasing idempotency claim failed", append(fields, zap.Error(err))...)
	}
	return nil, false, callErr
}

// heartbeat keeps the claim's lease alive while the call runs. The returned
// func stops it and waits for the last extension to finish.
func (g *Guard) heartbeat(ctx context.Context, s Scope, token string, fields []zap.Field) func() {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(g.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
			}
			err := g.store.Extend(hctx, s, token, g.cfg.Lease)
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseLost):
				g.logger.Ctx(ctx).Error("Idempotency claim lost while the call was running", fields...)
				return
			case hctx.Err() == nil:
				g.logger.Ctx(ctx).Warn("Extending idempotency lease failed", append(fields, zap.Error(err))...)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// persist retries storing an outcome a few times. A lost lease is final.
func (g *Guard) persist(ctx context.Context, store func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := store(ctx)
		if errors.Is(err, ErrLeaseLost) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(g.cfg.StoreRetryDelay)),
		backoff.WithMaxTries(storeAttempts),
	)
	return err
}
