package shipping_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/gatekeeper/internal/database"
	"github.com/tournevent/gatekeeper/internal/shipping"
	"github.com/tournevent/gatekeeper/internal/status"
	"github.com/tournevent/gatekeeper/internal/webhook"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"github.com/tournevent/gatekeeper/pkg/shipper/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type memorySink struct {
	mu      sync.Mutex
	updates []shipping.Update
	err     error
}

func (s *memorySink) Apply(_ context.Context, u shipping.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, u)
	return nil
}

func newProcessor(t *testing.T, sink shipping.StatusSink) (*shipping.StatusProcessor, *shipper.Registry) {
	t.Helper()
	registry := shipper.NewRegistry()
	registry.Register(mock.New("freightcom"))
	mapper, err := shipping.NewMapper(nil)
	require.NoError(t, err)
	return shipping.NewStatusProcessor(registry, mapper, sink), registry
}

func event(payload string) *webhook.Event {
	return &webhook.Event{
		ID:         uuid.New(),
		Provider:   "freightcom",
		Tenant:     "acme",
		Topic:      "shipment.updated",
		Payload:    []byte(payload),
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStatusProcessor_AppliesCanonicalUpdates(t *testing.T) {
	sink := &memorySink{}
	p, _ := newProcessor(t, sink)

	ev := event(`[
		{"order_id":"S1","carrier_status":"in-transit","occurred_at":"2026-03-01T10:00:00Z"},
		{"order_id":"S2","carrier_status":"address-issue"},
		{"order_id":"S3","carrier_status":"delivered"}
	]`)
	require.NoError(t, p.Process(context.Background(), ev))

	require.Len(t, sink.updates, 3)
	assert.Equal(t, shipper.StatusInTransit, sink.updates[0].Status)
	assert.Equal(t, "acme", sink.updates[0].Tenant)
	assert.Equal(t, ev.ID.String(), sink.updates[0].EventID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), sink.updates[0].OccurredAt.UTC())

	assert.Equal(t, shipper.StatusException, sink.updates[1].Status)
	assert.True(t, sink.updates[1].ManualAction)
	assert.Equal(t, ev.ReceivedAt, sink.updates[1].OccurredAt)

	assert.Equal(t, shipper.StatusDelivered, sink.updates[2].Status)
	assert.True(t, sink.updates[2].Terminal)
}

func TestStatusProcessor_UnmappedStatusFailsWholeEvent(t *testing.T) {
	sink := &memorySink{}
	p, _ := newProcessor(t, sink)

	err := p.Process(context.Background(), event(`[
		{"order_id":"S1","carrier_status":"delivered"},
		{"order_id":"S2","carrier_status":"teleported"}
	]`))
	assert.ErrorIs(t, err, status.ErrUnmappedStatus)
	assert.Empty(t, sink.updates)
}

func TestStatusProcessor_Errors(t *testing.T) {
	sink := &memorySink{err: errors.New("downstream unavailable")}
	p, _ := newProcessor(t, sink)

	err := p.Process(context.Background(), event(`[{"order_id":"S1","carrier_status":"delivered"}]`))
	assert.ErrorContains(t, err, "downstream unavailable")

	err = p.Process(context.Background(), event(`not json`))
	assert.Error(t, err)

	ev := event(`[]`)
	ev.Provider = "unknown"
	err = p.Process(context.Background(), ev)
	assert.ErrorIs(t, err, shipper.ErrCarrierNotFound)
}

func TestStatusProcessor_EndToEndThroughDispatcher(t *testing.T) {
	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))

	logger := otelzap.New(zap.NewNop())
	sink := &memorySink{}
	p, registry := newProcessor(t, sink)

	dispatcher := webhook.NewDispatcher(db, webhook.DispatcherConfig{Timeout: time.Second}, logger, nil)
	assert.Equal(t, []string{"freightcom"}, shipping.RegisterProcessors(dispatcher, registry, p))

	ingestor := webhook.NewIngestor(db, dispatcher, time.Hour, logger, nil)
	payload := []byte(`[{"order_id":"S9","carrier_status":"out-for-delivery"}]`)
	ctx := context.Background()

	ack, err := ingestor.Ingest(ctx, webhook.Delivery{
		Provider:  "freightcom",
		Tenant:    "acme",
		Topic:     "shipment.updated",
		Payload:   payload,
		Signature: webhook.Sign(payload, "whsec_test"),
		Secret:    "whsec_test",
	})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Process(ctx, ack.EventID))

	var stored webhook.Event
	require.NoError(t, db.First(&stored, "id = ?", ack.EventID).Error)
	assert.Equal(t, webhook.StatusProcessed, stored.Status)
	require.Len(t, sink.updates, 1)
	assert.Equal(t, shipper.StatusOutForDelivery, sink.updates[0].Status)
}

func TestLogSink_Apply(t *testing.T) {
	sink := shipping.LogSink{Logger: otelzap.New(zap.NewNop())}
	assert.NoError(t, sink.Apply(context.Background(), shipping.Update{OrderID: "S1", ManualAction: true}))
	assert.NoError(t, sink.Apply(context.Background(), shipping.Update{OrderID: "S2"}))
}
