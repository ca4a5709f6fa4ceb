package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidSignature rejects a delivery before anything is stored.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrMissingSecret means no shared secret is configured for the sender.
	ErrMissingSecret = errors.New("webhook: no secret configured")
)

// Delivery is one raw inbound request.
type Delivery struct {
	Provider  string
	Tenant    string
	Topic     string
	Payload   []byte
	Signature string
	Secret    string
}

// Ack is returned to the sender.
type Ack struct {
	EventID   uuid.UUID `json:"event_id"`
	Duplicate bool      `json:"duplicate"`
}

// Enqueuer hands a stored event to asynchronous processing. It must not
// block; a refused event stays pending until replayed.
type Enqueuer interface {
	Enqueue(id uuid.UUID) bool
}

// Ingestor verifies and records deliveries.
type Ingestor struct {
	db        *gorm.DB
	queue     Enqueuer
	retention time.Duration
	logger    *otelzap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewIngestor creates an ingestor keeping events for retention.
func NewIngestor(db *gorm.DB, queue Enqueuer, retention time.Duration, logger *otelzap.Logger, metrics *telemetry.Metrics) *Ingestor {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Ingestor{
		db:        db,
		queue:     queue,
		retention: retention,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Ingest verifies d, records it and queues fresh events. Redeliveries are
// recorded as duplicates and acknowledged without processing.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (*Ack, error) {
	log := i.logger.Ctx(ctx)
	if d.Secret == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingSecret, d.Provider)
	}
	if !Verify(d.Payload, d.Signature, d.Secret) {
		i.metrics.RecordWebhook(d.Provider, "rejected")
		log.Warn("Webhook signature mismatch",
			zap.String("provider", d.Provider), zap.String("tenant", d.Tenant), zap.String("topic", d.Topic))
		return nil, ErrInvalidSignature
	}

	now := i.now().UTC()
	hash := ContentHash(d.Payload)
	key := dedupKey(d.Provider, d.Tenant, hash)

	ev := Event{
		ID:             uuid.New(),
		Provider:       d.Provider,
		Tenant:         d.Tenant,
		Topic:          d.Topic,
		ContentHash:    hash,
		DedupKey:       &key,
		Payload:        d.Payload,
		Signature:      d.Signature,
		SignatureValid: true,
		Status:         StatusPending,
		ReceivedAt:     now,
		ExpiresAt:      now.Add(i.retention),
	}
	err := i.db.WithContext(ctx).Create(&ev).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return i.recordDuplicate(ctx, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("storing webhook event: %w", err)
	}

	i.metrics.RecordWebhook(d.Provider, StatusPending)
	if !i.queue.Enqueue(ev.ID) {
		log.Warn("Webhook queue full, event left for replay",
			zap.String("provider", d.Provider), zap.Stringer("event_id", ev.ID))
	}
	log.Info("Webhook accepted",
		zap.String("provider", d.Provider),
		zap.String("tenant", d.Tenant),
		zap.String("topic", d.Topic),
		zap.Stringer("event_id", ev.ID),
	)
	return &Ack{EventID: ev.ID}, nil
}

func (i *Ingestor) recordDuplicate(ctx context.Context, original Event) (*Ack, error) {
	now := i.now().UTC()
	dup := original
	dup.ID = uuid.New()
	dup.DedupKey = nil
	dup.Status = StatusDuplicate
	dup.ProcessedAt = &now
	if err := i.db.WithContext(ctx).Create(&dup).Error; err != nil {
		return nil, fmt.Errorf("storing duplicate webhook event: %w", err)
	}

	i.metrics.RecordWebhook(dup.Provider, StatusDuplicate)
	i.logger.Ctx(ctx).Info("Duplicate webhook suppressed",
		zap.String("provider", dup.Provider),
		zap.String("tenant", dup.Tenant),
		zap.String("content_hash", dup.ContentHash),
		zap.Stringer("event_id", dup.ID),
	)
	return &Ack{EventID: dup.ID, Duplicate: true}, nil
}
