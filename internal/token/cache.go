package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tournevent/gatekeeper/internal/coord"
	"github.com/tournevent/gatekeeper/internal/vault"
)

const purposeCache = "token-cache"

// SharedCache keeps sealed tokens in the coordination store so sibling
// processes skip the vault read.
type SharedCache struct {
	client redis.UniversalClient
	cipher *vault.Cipher
}

// NewSharedCache creates a shared token cache.
func NewSharedCache(client redis.UniversalClient, c *vault.Cipher) *SharedCache {
	return &SharedCache{client: client, cipher: c}
}

func cacheKey(tenant, providerName string) string {
	return coord.Key("token", tenant, providerName)
}

// Get returns the cached token, or a zero token on miss.
func (c *SharedCache) Get(ctx context.Context, tenant, providerName string) (vault.Token, error) {
	blob, err := c.client.Get(ctx, cacheKey(tenant, providerName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return vault.Token{}, nil
	}
	if err != nil {
		return vault.Token{}, fmt.Errorf("reading token cache: %w", err)
	}

	plain, err := c.cipher.Open(blob, vault.AAD(tenant, providerName, purposeCache))
	if err != nil {
		return vault.Token{}, err
	}
	var tok vault.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return vault.Token{}, fmt.Errorf("decoding cached token: %w", err)
	}
	return tok, nil
}

// Set stores tok until ttl elapses. Non-positive ttl is a no-op.
func (c *SharedCache) Set(ctx context.Context, tenant, providerName string, tok vault.Token, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	plain, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	blob, err := c.cipher.Seal(plain, vault.AAD(tenant, providerName, purposeCache))
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(tenant, providerName), blob, ttl).Err()
}
