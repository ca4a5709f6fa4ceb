// Package vault stores provider credentials and session tokens encrypted at
// rest, one record per (tenant, provider).
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound        = errors.New("vault: credential record not found")
	ErrVersionConflict = errors.New("vault: record changed concurrently")
	ErrInvalidToken    = errors.New("vault: token expires before it was issued")
)

const (
	purposeCredentials = "credentials"
	purposeToken       = "token"
)

// Record is the durable credential record.
type Record struct {
	ID             uint   `gorm:"primaryKey"`
	Tenant         string `gorm:"size:128;not null;uniqueIndex:idx_credential_owner"`
	Provider       string `gorm:"size:64;not null;uniqueIndex:idx_credential_owner"`
	Credentials    []byte `gorm:"not null"`
	Token          []byte
	TokenIssuedAt  *time.Time
	TokenExpiresAt *time.Time
	LastRefreshAt  *time.Time
	Version        int64 `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName overrides the gorm default.
func (Record) TableName() string {
	return "credential_records"
}

// Snapshot is the decrypted view of a record at one version.
type Snapshot struct {
	Tenant        string
	Provider      string
	Credentials   Credentials
	Token         Token
	LastRefreshAt time.Time
	Version       int64
}

// Store reads and writes credential records.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
	now    func() time.Time
}

// NewStore creates a vault store.
func NewStore(db *gorm.DB, c *Cipher) *Store {
	return &Store{db: db, cipher: c, now: time.Now}
}

// Put creates the record or replaces its static credentials. The current
// token is left untouched.
func (s *Store) Put(ctx context.Context, tenant, providerName string, creds Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	sealed, err := s.cipher.Seal(plain, AAD(tenant, providerName, purposeCredentials))
	if err != nil {
		return err
	}

	rec := Record{Tenant: tenant, Provider: providerName, Credentials: sealed}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"credentials", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

// Load decrypts the record for (tenant, provider).
func (s *Store) Load(ctx context.Context, tenant, providerName string) (*Snapshot, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("tenant = ? AND provider = ?", tenant, providerName).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, tenant, providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	snap := &Snapshot{Tenant: tenant, Provider: providerName, Version: rec.Version}

	plain, err := s.cipher.Open(rec.Credentials, AAD(tenant, providerName, purposeCredentials))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plain, &snap.Credentials); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}

	if len(rec.Token) > 0 {
		value, err := s.cipher.Open(rec.Token, AAD(tenant, providerName, purposeToken))
		if err != nil {
			return nil, err
		}
		snap.Token.Value = string(value)
		if rec.TokenIssuedAt != nil {
			snap.Token.IssuedAt = *rec.TokenIssuedAt
		}
		if rec.TokenExpiresAt != nil {
			snap.Token.ExpiresAt = *rec.TokenExpiresAt
		}
	}
	if rec.LastRefreshAt != nil {
		snap.LastRefreshAt = *rec.LastRefreshAt
	}
	return snap, nil
}

// StoreToken replaces the session token if the record is still at
// expectedVersion and returns the new version.
func (s *Store) StoreToken(ctx context.Context, tenant, providerName string, tok Token, expectedVersion int64) (int64, error) {
	if tok.ExpiresAt.Before(tok.IssuedAt) {
		return 0, ErrInvalidToken
	}
	sealed, err := s.cipher.Seal([]byte(tok.Value), AAD(tenant, providerName, purposeToken))
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	issued := tok.IssuedAt.UTC()
	expires := tok.ExpiresAt.UTC()
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("tenant = ? AND provider = ? AND version = ?", tenant, providerName, expectedVersion).
		Updates(map[string]any{
			"token":            sealed,
			"token_issued_at":  &issued,
			"token_expires_at": &expires,
			"last_refresh_at":  &now,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("storing token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// Delete removes the record on integration teardown.
func (s *Store) Delete(ctx context.Context, tenant, providerName string) error {
	res := s.db.WithContext(ctx).
		Where("tenant = ? AND provider = ?", tenant, providerName).
		Delete(&Record{})
	if res.Error != nil {
		return fmt.Errorf("deleting credentials: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
