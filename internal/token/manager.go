// Package token owns the provider session lifecycle: acquisition, proactive
// renewal and lock-protected refresh shared by every process.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tournevent/gatekeeper/internal/coord"
	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// OperationAuthenticate is the rate-limited operation name for session
// acquisition.
const OperationAuthenticate = "authenticate"

// ErrNoAuthenticator means no authenticator was registered for a provider.
var ErrNoAuthenticator = errors.New("token: no authenticator registered")

// Authenticator opens a new session with a provider.
type Authenticator interface {
	Authenticate(ctx context.Context, tenant string, creds vault.Credentials) (vault.Token, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, tenant string, creds vault.Credentials) (vault.Token, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, tenant string, creds vault.Credentials) (vault.Token, error) {
	return f(ctx, tenant, creds)
}

// CredentialStore is the durable side of the manager.
type CredentialStore interface {
	Load(ctx context.Context, tenant, providerName string) (*vault.Snapshot, error)
	StoreToken(ctx context.Context, tenant, providerName string, tok vault.Token, expectedVersion int64) (int64, error)
}

// Quota throttles calls to the provider's authentication endpoint.
type Quota interface {
	Acquire(ctx context.Context, tenant, providerName, operation string) error
}

// Config tunes the manager.
type Config struct {
	SafetyBuffer time.Duration
	LockTTL      time.Duration
	LockWait     time.Duration
}

// Deps are the manager's collaborators. Cache, Quota and Metrics are
// optional.
type Deps struct {
	Store   CredentialStore
	Locker  *coord.Locker
	Cache   *SharedCache
	Quota   Quota
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Manager hands out valid session tokens per (tenant, provider).
type Manager struct {
	cfg     Config
	store   CredentialStore
	locker  *coord.Locker
	cache   *SharedCache
	quota   Quota
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu             sync.RWMutex
	authenticators map[string]Authenticator
	local          map[string]vault.Token
	group          singleflight.Group
}

// NewManager creates a token manager.
func NewManager(cfg Config, deps Deps, logger *otelzap.Logger) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:            cfg,
		store:          deps.Store,
		locker:         deps.Locker,
		cache:          deps.Cache,
		quota:          deps.Quota,
		logger:         logger,
		metrics:        deps.Metrics,
		now:            now,
		authenticators: make(map[string]Authenticator),
		local:          make(map[string]vault.Token),
	}
}

// Register installs the authenticator for a provider.
func (m *Manager) Register(providerName string, a Authenticator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticators[providerName] = a
}

// GetValidToken returns a token that stays valid beyond the safety buffer,
// refreshing it under the distributed auth lock when needed.
func (m *Manager) GetValidToken(ctx context.Context, tenant, providerName string) (vault.Token, error) {
	key := ownerKey(tenant, providerName)
	now := m.now()

	if tok, ok := m.cached(key); ok && tok.ValidAt(now, m.cfg.SafetyBuffer) {
		return tok, nil
	}

	if m.cache != nil {
		tok, err := m.cache.Get(ctx, tenant, providerName)
		if err != nil {
			m.logger.Ctx(ctx).Warn("Shared token cache read failed",
				zap.String("tenant", tenant), zap.String("provider", providerName), zap.Error(err))
		} else if tok.ValidAt(now, m.cfg.SafetyBuffer) {
			m.remember(key, tok)
			return tok, nil
		}
	}

	return m.shared(ctx, key, tenant, providerName, "")
}

// RefreshToken forces a refresh after the provider rejected stale. When
// another caller already replaced stale, its token is returned without a
// new provider call.
func (m *Manager) RefreshToken(ctx context.Context, tenant, providerName, stale string) (vault.Token, error) {
	key := ownerKey(tenant, providerName)
	m.forget(key, stale)

	return m.shared(ctx, "force|"+key, tenant, providerName, stale)
}

// shared collapses concurrent refreshes of one key. The refresh runs
// detached from any single caller, bounded by the lock wait plus the lock
// TTL, and each caller stops waiting when its own ctx ends.
func (m *Manager) shared(ctx context.Context, flightKey, tenant, providerName, stale string) (vault.Token, error) {
	ch := m.group.DoChan(flightKey, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LockWait+2*m.cfg.LockTTL)
		defer cancel()
		return m.refresh(rctx, tenant, providerName, stale)
	})

	select {
	case <-ctx.Done():
		return vault.Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return vault.Token{}, res.Err
		}
		return res.Val.(vault.Token), nil
	}
}

func (m *Manager) refresh(ctx context.Context, tenant, providerName, stale string) (vault.Token, error) {
	log := m.logger.Ctx(ctx)

	auth, err := m.authenticator(providerName)
	if err != nil {
		return vault.Token{}, err
	}

	snap, err := m.load(ctx, tenant, providerName)
	if err != nil {
		return vault.Token{}, err
	}
	if m.usable(snap.Token, stale) {
		m.publish(ctx, tenant, providerName, snap.Token)
		return snap.Token, nil
	}

	lock, err := m.locker.Acquire(ctx, lockResource(tenant, providerName), m.cfg.LockTTL, m.cfg.LockWait)
	if err != nil {
		if errors.Is(err, coord.ErrLockTimeout) {
			m.metrics.RecordTokenRefresh(providerName, "lock_timeout")
			return vault.Token{}, provider.New(providerName, provider.KindProviderUnavailable,
				"AUTH_LOCK_TIMEOUT", "timed out waiting for session refresh").WithCause(err)
		}
		return vault.Token{}, err
	}
	ctx, stop := m.keepLock(ctx, lock, tenant, providerName)
	defer func() {
		stop()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil {
			log.Warn("Releasing auth lock failed",
				zap.String("tenant", tenant), zap.String("provider", providerName), zap.Error(err))
		}
	}()

	// Another process may have refreshed while we waited.
	snap, err = m.load(ctx, tenant, providerName)
	if err != nil {
		return vault.Token{}, err
	}
	if m.usable(snap.Token, stale) {
		m.metrics.RecordTokenRefresh(providerName, "reused")
		m.publish(ctx, tenant, providerName, snap.Token)
		return snap.Token, nil
	}

	if m.quota != nil {
		if err := m.quota.Acquire(ctx, tenant, providerName, OperationAuthenticate); err != nil {
			return vault.Token{}, err
		}
	}

	tok, err := auth.Authenticate(ctx, tenant, snap.Credentials)
	if err != nil {
		m.metrics.RecordTokenRefresh(providerName, "failed")
		log.Warn("Provider authentication failed",
			zap.String("tenant", tenant), zap.String("provider", providerName), zap.Error(err))
		return vault.Token{}, provider.Classify(providerName, err)
	}
	if tok.IssuedAt.IsZero() {
		tok.IssuedAt = m.now()
	}

	if _, err := m.store.StoreToken(ctx, tenant, providerName, tok, snap.Version); err != nil {
		if !errors.Is(err, vault.ErrVersionConflict) {
			return vault.Token{}, fmt.Errorf("persisting refreshed token: %w", err)
		}
		// Lock TTL lapsed and a peer wrote first; prefer the stored token.
		log.Warn("Token write lost to a concurrent refresh",
			zap.String("tenant", tenant), zap.String("provider", providerName))
		latest, lerr := m.load(ctx, tenant, providerName)
		if lerr == nil && latest.Token.ValidAt(m.now(), m.cfg.SafetyBuffer) {
			tok = latest.Token
		}
	}

	m.metrics.RecordTokenRefresh(providerName, "refreshed")
	m.publish(ctx, tenant, providerName, tok)
	log.Info("Provider session refreshed",
		zap.String("tenant", tenant),
		zap.String("provider", providerName),
		tok.Field(),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// keepLock extends lock every LockTTL/3 until stop is called. The returned
// ctx is cancelled if the lock is lost so the refresh stops before a second
// holder could authenticate too.
func (m *Manager) keepLock(ctx context.Context, lock *coord.Lock, tenant, providerName string) (context.Context, func()) {
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
			}
			err := lock.Extend(lctx, m.cfg.LockTTL)
			switch {
			case err == nil:
			case errors.Is(err, coord.ErrLockNotHeld):
				m.logger.Ctx(ctx).Error("Auth lock lost during refresh",
					zap.String("tenant", tenant), zap.String("provider", providerName))
				cancel()
				return
			case lctx.Err() == nil:
				m.logger.Ctx(ctx).Warn("Extending auth lock failed",
					zap.String("tenant", tenant), zap.String("provider", providerName), zap.Error(err))
			}
		}
	}()

	return lctx, func() {
		cancel()
		<-done
	}
}

func (m *Manager) load(ctx context.Context, tenant, providerName string) (*vault.Snapshot, error) {
	snap, err := m.store.Load(ctx, tenant, providerName)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, provider.New(providerName, provider.KindAuthenticationFailed,
			"NO_CREDENTIALS", "no credentials configured").WithCause(err)
	}
	return snap, err
}

func (m *Manager) usable(tok vault.Token, stale string) bool {
	if !tok.ValidAt(m.now(), m.cfg.SafetyBuffer) {
		return false
	}
	return stale == "" || tok.Value != stale
}

func (m *Manager) publish(ctx context.Context, tenant, providerName string, tok vault.Token) {
	m.remember(ownerKey(tenant, providerName), tok)
	if m.cache == nil {
		return
	}
	ttl := tok.ExpiresAt.Sub(m.now()) - m.cfg.SafetyBuffer
	if err := m.cache.Set(ctx, tenant, providerName, tok, ttl); err != nil {
		m.logger.Ctx(ctx).Warn("Shared token cache write failed",
			zap.String("tenant", tenant), zap.String("provider", providerName), zap.Error(err))
	}
}

func (m *Manager) authenticator(providerName string) (Authenticator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.authenticators[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAuthenticator, providerName)
	}
	return a, nil
}

func (m *Manager) cached(key string) (vault.Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.local[key]
	return tok, ok
}

func (m *Manager) remember(key string, tok vault.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[key] = tok
}

func (m *Manager) forget(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.local[key]; ok && (value == "" || cur.Value == value) {
		delete(m.local, key)
	}
}

func ownerKey(tenant, providerName string) string {
	return tenant + "|" + providerName
}

func lockResource(tenant, providerName string) string {
	return tenant + ":" + providerName + ":auth"
}
