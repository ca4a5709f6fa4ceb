package vault_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/gatekeeper/internal/database"
	"github.com/tournevent/gatekeeper/internal/vault"
	"gorm.io/gorm"
)

const masterKey = "0123456789abcdef0123456789abcdef"

func newTestStore(t *testing.T) (*vault.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))

	c, err := vault.NewCipher([]byte(masterKey))
	require.NoError(t, err)
	return vault.NewStore(db, c), db
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := vault.NewCipher([]byte(masterKey))
	require.NoError(t, err)

	blob, err := c.Seal([]byte("hunter2"), vault.AAD("acme", "freightcom", "credentials"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hunter2")

	plain, err := c.Open(blob, vault.AAD("acme", "freightcom", "credentials"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))
}

func TestCipher_RejectsWrongOwner(t *testing.T) {
	c, err := vault.NewCipher([]byte(masterKey))
	require.NoError(t, err)

	blob, err := c.Seal([]byte("hunter2"), vault.AAD("acme", "freightcom", "credentials"))
	require.NoError(t, err)

	_, err = c.Open(blob, vault.AAD("globex", "freightcom", "credentials"))
	assert.ErrorIs(t, err, vault.ErrDecrypt)

	_, err = c.Open(blob[:10], vault.AAD("acme", "freightcom", "credentials"))
	assert.ErrorIs(t, err, vault.ErrDecrypt)
}

func TestCipher_ShortKey(t *testing.T) {
	_, err := vault.NewCipher([]byte("short"))
	assert.ErrorIs(t, err, vault.ErrShortMasterKey)
}

func TestStore_PutLoad(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	creds := vault.Credentials{Username: "ops@acme.test", Password: "hunter2"}
	require.NoError(t, store.Put(ctx, "acme", "freightcom", creds))

	snap, err := store.Load(ctx, "acme", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, creds, snap.Credentials)
	assert.True(t, snap.Token.IsZero())
	assert.Equal(t, int64(0), snap.Version)

	var rec vault.Record
	require.NoError(t, db.First(&rec).Error)
	assert.NotContains(t, string(rec.Credentials), "hunter2")

	require.NoError(t, store.Put(ctx, "acme", "freightcom", vault.Credentials{Username: "ops@acme.test", Password: "rotated"}))
	snap, err = store.Load(ctx, "acme", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, "rotated", snap.Credentials.Password)

	var count int64
	require.NoError(t, db.Model(&vault.Record{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStore_LoadMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Load(context.Background(), "acme", "freightcom")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestStore_StoreTokenCompareAndSwap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "acme", "freightcom", vault.Credentials{APIKey: "k"}))

	issued := time.Now().Truncate(time.Second)
	tok := vault.Token{Value: "session-1", IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)}

	version, err := store.StoreToken(ctx, "acme", "freightcom", tok, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	_, err = store.StoreToken(ctx, "acme", "freightcom", vault.Token{Value: "session-2", IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)}, 0)
	assert.ErrorIs(t, err, vault.ErrVersionConflict)

	snap, err := store.Load(ctx, "acme", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, "session-1", snap.Token.Value)
	assert.True(t, snap.Token.ExpiresAt.Equal(issued.Add(time.Hour)))
	assert.Equal(t, int64(1), snap.Version)
	assert.False(t, snap.LastRefreshAt.IsZero())
}

func TestStore_StoreTokenRejectsInvertedExpiry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "acme", "freightcom", vault.Credentials{APIKey: "k"}))

	now := time.Now()
	_, err := store.StoreToken(ctx, "acme", "freightcom", vault.Token{Value: "x", IssuedAt: now, ExpiresAt: now.Add(-time.Second)}, 0)
	assert.ErrorIs(t, err, vault.ErrInvalidToken)
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "acme", "freightcom", vault.Credentials{APIKey: "k"}))

	require.NoError(t, store.Delete(ctx, "acme", "freightcom"))
	assert.ErrorIs(t, store.Delete(ctx, "acme", "freightcom"), vault.ErrNotFound)
}

func TestToken_Masking(t *testing.T) {
	tok := vault.Token{Value: "eyJhbGciOiJIUzI1NiJ9.secret"}
	assert.Equal(t, "eyJhbG…", tok.String())
	assert.Equal(t, "eyJhbG…", fmt.Sprintf("%v", tok))
	assert.NotContains(t, fmt.Sprintf("%s", tok), "secret")
}

func TestToken_ValidAt(t *testing.T) {
	now := time.Now()
	tok := vault.Token{Value: "x", IssuedAt: now, ExpiresAt: now.Add(2 * time.Minute)}

	assert.True(t, tok.ValidAt(now, time.Minute))
	assert.False(t, tok.ValidAt(now.Add(90*time.Second), time.Minute))
	assert.False(t, vault.Token{}.ValidAt(now, 0))
}
