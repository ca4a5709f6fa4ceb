package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/tournevent/gatekeeper/internal/breaker"
	"github.com/tournevent/gatekeeper/internal/config"
	"github.com/tournevent/gatekeeper/internal/coord"
	"github.com/tournevent/gatekeeper/internal/database"
	"github.com/tournevent/gatekeeper/internal/gateway"
	"github.com/tournevent/gatekeeper/internal/idempotency"
	"github.com/tournevent/gatekeeper/internal/ratelimit"
	"github.com/tournevent/gatekeeper/internal/retry"
	"github.com/tournevent/gatekeeper/internal/shipping"
	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/tournevent/gatekeeper/internal/token"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/tournevent/gatekeeper/internal/webhook"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"github.com/tournevent/gatekeeper/pkg/shipper/freightcom"
	"github.com/tournevent/gatekeeper/pkg/shipper/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const freightcomName = "freightcom"

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(level string) (*otelzap.Logger, error) {
	return telemetry.NewLogger(level)
}

func initTracer(ctx context.Context, cfg *config.Config) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return telemetry.Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}
	return telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Version)
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	return database.Open(cfg.DatabaseURL)
}

func openRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	client := coord.NewClient(coord.Options{
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := coord.Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func initVault(cfg *config.Config, db *gorm.DB) (*vault.Store, *vault.Cipher, error) {
	cipher, err := vault.NewCipher([]byte(cfg.VaultMasterKey))
	if err != nil {
		return nil, nil, err
	}
	return vault.NewStore(db, cipher), cipher, nil
}

// app holds every wired component of a running gateway.
type app struct {
	cfg     *config.Config
	logger  *otelzap.Logger
	metrics *telemetry.Metrics

	db    *gorm.DB
	redis redis.UniversalClient

	tokens     *token.Manager
	breaker    *breaker.Breaker
	idemStore  idempotency.Store
	gateway    *gateway.Gateway
	registry   *shipper.Registry
	shipping   *shipping.Service
	dispatcher *webhook.Dispatcher
	ingestor   *webhook.Ingestor
}

func newApp(ctx context.Context, cfg *config.Config, logger *otelzap.Logger, tracer trace.Tracer, reg prometheus.Registerer) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(reg),
		db:      db,
	}
	if a.redis, err = openRedis(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(tracer); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(tracer trace.Tracer) error {
	cfg := a.cfg

	policies, err := config.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return err
	}

	store, cipher, err := initVault(cfg, a.db)
	if err != nil {
		return err
	}

	var backend ratelimit.Backend = ratelimit.NewRedisBackend(a.redis)
	if cfg.RateLimitBackend == "local" {
		backend = ratelimit.NewLocalBackend()
	}
	limiter := ratelimit.New(backend, ratelimit.WaitPolicy{MaxWait: cfg.RateLimitMaxWait}, a.logger, a.metrics)

	a.tokens = token.NewManager(token.Config{
		SafetyBuffer: cfg.TokenSafetyBuffer,
		LockTTL:      cfg.AuthLockTTL,
		LockWait:     cfg.AuthLockWait,
	}, token.Deps{
		Store:   store,
		Locker:  coord.NewLocker(a.redis, 100*time.Millisecond),
		Cache:   token.NewSharedCache(a.redis, cipher),
		Quota:   limiter,
		Metrics: a.metrics,
	}, a.logger)

	a.breaker = breaker.New(a.redis, breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
	}, a.logger, a.metrics)

	a.idemStore = idempotency.NewDBStore(a.db)
	if cfg.IdempotencyBackend == "redis" {
		a.idemStore = idempotency.NewRedisStore(a.redis)
	}
	guard := idempotency.NewGuard(a.idemStore, idempotency.Config{
		Lease:     cfg.IdempotencyLease,
		Retention: cfg.IdempotencyTTL,
		Wait:      cfg.IdempotencyWait,
	}, a.logger, a.metrics)

	a.gateway = gateway.New(gateway.Deps{
		Idempotency: guard,
		Breaker:     a.breaker,
		Limiter:     limiter,
		Tokens:      a.tokens,
		Tracer:      tracer,
		Metrics:     a.metrics,
	}, gateway.Policy{
		Retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    retry.DefaultPolicy.MaxDelay,
		},
		Timeout: cfg.CallTimeout,
	}, a.logger)
	if err := a.gateway.ApplyPolicies(policies); err != nil {
		return err
	}

	a.registry = a.initShipperRegistry(tracer)

	mapper, err := shipping.NewMapper(policies.Statuses)
	if err != nil {
		return fmt.Errorf("registering status tables: %w", err)
	}
	a.shipping = shipping.NewService(a.gateway, a.registry, mapper, a.logger)

	a.dispatcher = webhook.NewDispatcher(a.db, webhook.DispatcherConfig{
		Workers:     cfg.WebhookWorkers,
		QueueSize:   cfg.WebhookQueueSize,
		Timeout:     cfg.WebhookProcessTimeout,
		MaxAttempts: cfg.WebhookMaxAttempts,
	}, a.logger, a.metrics)
	processor := shipping.NewStatusProcessor(a.registry, mapper, shipping.LogSink{Logger: a.logger})
	registered := shipping.RegisterProcessors(a.dispatcher, a.registry, processor)
	a.ingestor = webhook.NewIngestor(a.db, a.dispatcher, cfg.WebhookRetention, a.logger, a.metrics)

	a.logger.Info("Gateway wired",
		zap.Strings("carriers", a.registry.Names()),
		zap.Strings("webhook_processors", registered),
		zap.String("ratelimit_backend", cfg.RateLimitBackend),
		zap.String("idempotency_backend", cfg.IdempotencyBackend),
	)
	return nil
}

func (a *app) initShipperRegistry(tracer trace.Tracer) *shipper.Registry {
	registry := shipper.NewRegistry()
	if !a.cfg.FreightcomEnabled {
		return registry
	}

	if a.cfg.FreightcomUseMock {
		registry.Register(mock.New(freightcomName))
		a.tokens.Register(freightcomName, token.AuthenticatorFunc(mockSession))
		return registry
	}

	registry.Register(freightcom.New(freightcom.Config{
		BaseURL:         a.cfg.FreightcomBaseURL,
		PaymentMethodID: a.cfg.FreightcomPaymentMethodID,
		Timeout:         a.cfg.CallTimeout,
	}, a.logger, tracer))
	a.tokens.Register(freightcomName, token.NewLoginAuthenticator(freightcomName, a.cfg.FreightcomLoginURL, a.cfg.CallTimeout))
	return registry
}

// mockSession issues local sessions for the in-memory carrier.
func mockSession(_ context.Context, _ string, _ vault.Credentials) (vault.Token, error) {
	now := time.Now().UTC()
	return vault.Token{
		Value:     "mock-" + uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(token.DefaultTTL),
	}, nil
}

// cleanup purges expired idempotency and webhook records.
func (a *app) cleanup(ctx context.Context, batch int) (int64, int64, error) {
	var idem int64
	if s, ok := a.idemStore.(*idempotency.DBStore); ok {
		n, err := s.CleanupExpired(ctx, time.Now(), batch)
		if err != nil {
			return 0, 0, err
		}
		idem = n
	}
	events, err := a.dispatcher.CleanupExpired(ctx, time.Now(), batch)
	if err != nil {
		return idem, 0, err
	}
	return idem, events, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
