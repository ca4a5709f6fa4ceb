// Package webhook ingests provider callbacks: it verifies signatures,
// suppresses redelivered events and hands fresh ones to asynchronous
// processors.
package webhook

import (
	"time"

	"github.com/google/uuid"
)

// Event statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
	StatusDuplicate = "duplicate"
)

// Event is one inbound delivery. DedupKey is set only on the first
// delivery of a payload, so its unique index rejects redeliveries while
// duplicate records (NULL key) never collide.
type Event struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Provider       string    `gorm:"size:64;not null;index:idx_webhook_owner"`
	Tenant         string    `gorm:"size:128;not null;index:idx_webhook_owner"`
	Topic          string    `gorm:"size:128"`
	ContentHash    string    `gorm:"size:64;not null;index"`
	DedupKey       *string   `gorm:"size:320;uniqueIndex"`
	Payload        []byte    `gorm:"not null"`
	Signature      string    `gorm:"size:512"`
	SignatureValid bool
	Status         string `gorm:"size:16;not null;index"`
	Attempts       int    `gorm:"not null;default:0"`
	LastError      string `gorm:"type:text"`
	ReceivedAt     time.Time `gorm:"not null;index"`
	ProcessedAt    *time.Time
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName overrides the gorm default.
func (Event) TableName() string {
	return "webhook_events"
}

func dedupKey(providerName, tenant, hash string) string {
	return providerName + "|" + tenant + "|" + hash
}
