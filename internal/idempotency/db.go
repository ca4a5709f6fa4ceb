package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Record is the durable idempotency record.
type Record struct {
	ID             uint           `gorm:"primaryKey"`
	Tenant         string         `gorm:"size:128;not null;uniqueIndex:idx_idempotency_scope"`
	Provider       string         `gorm:"size:64;not null;uniqueIndex:idx_idempotency_scope"`
	IdempotencyKey string         `gorm:"size:255;not null;uniqueIndex:idx_idempotency_scope"`
	Operation      string         `gorm:"size:64;not null"`
	Status         string         `gorm:"size:16;not null;index"`
	Result         datatypes.JSON `gorm:"type:json"`
	Failure        datatypes.JSON `gorm:"type:json"`
	LeaseToken     string         `gorm:"size:64"`
	LeaseUntil     *time.Time
	ExpiresAt      time.Time `gorm:"not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName overrides the gorm default.
func (Record) TableName() string {
	return "idempotency_records"
}

// DBStore keeps idempotency records in the durable database. The unique
// (tenant, provider, key) index decides which racing caller wins.
type DBStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDBStore creates a database-backed store.
func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db, now: time.Now}
}

func (s *DBStore) scoped(ctx context.Context, sc Scope) *gorm.DB {
	return s.db.WithContext(ctx).Model(&Record{}).
		Where("tenant = ? AND provider = ? AND idempotency_key = ?", sc.Tenant, sc.Provider, sc.Key)
}

// Begin implements Store.
func (s *DBStore) Begin(ctx context.Context, sc Scope, token string, lease, retention time.Duration) (Claim, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := s.now().UTC()
		leaseUntil := now.Add(lease)
		rec := Record{
			Tenant:         sc.Tenant,
			Provider:       sc.Provider,
			IdempotencyKey: sc.Key,
			Operation:      sc.Operation,
			Status:         statusPending,
			LeaseToken:     token,
			LeaseUntil:     &leaseUntil,
			ExpiresAt:      now.Add(retention),
		}
		err := s.db.WithContext(ctx).Create(&rec).Error
		if err == nil {
			return Claim{State: StateNew}, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return Claim{}, fmt.Errorf("inserting idempotency record: %w", err)
		}

		var existing Record
		err = s.scoped(ctx, sc).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return Claim{}, fmt.Errorf("loading idempotency record: %w", err)
		}

		expired := !now.Before(existing.ExpiresAt)
		abandoned := existing.Status == statusPending &&
			(existing.LeaseUntil == nil || !now.Before(*existing.LeaseUntil))
		if expired || (abandoned && existing.Operation == sc.Operation) {
			took, err := s.takeOver(ctx, existing, sc, token, leaseUntil, now.Add(retention))
			if err != nil {
				return Claim{}, err
			}
			if took {
				return Claim{State: StateNew}, nil
			}
			continue
		}

		if existing.Operation != sc.Operation {
			return Claim{State: StateConflict}, nil
		}
		switch existing.Status {
		case statusCompleted:
			return Claim{State: StateReplay, Result: []byte(existing.Result)}, nil
		case statusFailed:
			var f Failure
			if err := json.Unmarshal(existing.Failure, &f); err != nil {
				return Claim{}, fmt.Errorf("decoding stored failure: %w", err)
			}
			return Claim{State: StateReplayFailure, Failure: &f}, nil
		default:
			return Claim{State: StateInProgress}, nil
		}
	}
	return Claim{State: StateInProgress}, nil
}

// takeOver claims an expired or abandoned record, conditioned on it being
// unchanged since it was read.
func (s *DBStore) takeOver(ctx context.Context, existing Record, sc Scope, token string, leaseUntil, expiresAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ? AND lease_token = ?", existing.ID, existing.Status, existing.LeaseToken).
		Updates(map[string]any{
			"operation":   sc.Operation,
			"status":      statusPending,
			"result":      nil,
			"failure":     nil,
			"lease_token": token,
			"lease_until": &leaseUntil,
			"expires_at":  expiresAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("taking over idempotency record: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete implements Store.
func (s *DBStore) Complete(ctx context.Context, sc Scope, token string, result []byte, retention time.Duration) error {
	if len(result) == 0 {
		result = []byte("null")
	}
	return s.finish(ctx, sc, token, map[string]any{
		"status":      statusCompleted,
		"result":      datatypes.JSON(result),
		"lease_token": "",
		"lease_until": nil,
		"expires_at":  s.now().UTC().Add(retention),
	})
}

// Fail implements Store.
func (s *DBStore) Fail(ctx context.Context, sc Scope, token string, f Failure, retention time.Duration) error {
	blob, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding failure: %w", err)
	}
	return s.finish(ctx, sc, token, map[string]any{
		"status":      statusFailed,
		"failure":     datatypes.JSON(blob),
		"lease_token": "",
		"lease_until": nil,
		"expires_at":  s.now().UTC().Add(retention),
	})
}

func (s *DBStore) finish(ctx context.Context, sc Scope, token string, updates map[string]any) error {
	res := s.scoped(ctx, sc).
		Where("lease_token = ? AND status = ?", token, statusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finishing idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release implements Store.
func (s *DBStore) Release(ctx context.Context, sc Scope, token string) error {
	res := s.db.WithContext(ctx).
		Where("tenant = ? AND provider = ? AND idempotency_key = ?", sc.Tenant, sc.Provider, sc.Key).
		Where("lease_token = ? AND status = ?", token, statusPending).
		Delete(&Record{})
	if res.Error != nil {
		return fmt.Errorf("releasing idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Extend implements Store.
func (s *DBStore) Extend(ctx context.Context, sc Scope, token string, lease time.Duration) error {
	leaseUntil := s.now().UTC().Add(lease)
	res := s.scoped(ctx, sc).
		Where("lease_token = ? AND status = ?", token, statusPending).
		Update("lease_until", &leaseUntil)
	if res.Error != nil {
		return fmt.Errorf("extending idempotency lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CleanupExpired deletes up to batch records past their retention.
func (s *DBStore) CleanupExpired(ctx context.Context, now time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	ids := s.db.Model(&Record{}).
		Select("id").
		Where("expires_at <= ?", now.UTC()).
		Order("id").
		Limit(batch)
	res := s.db.WithContext(ctx).Where("id IN (?)", ids).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting expired idempotency records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ Store = (*DBStore)(nil)
