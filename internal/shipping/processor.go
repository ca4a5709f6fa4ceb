package shipping

import (
	"context"
	"fmt"
	"time"

	"github.com/tournevent/gatekeeper/internal/status"
	"github.com/tournevent/gatekeeper/internal/webhook"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Update is a carrier status change translated to canonical terms.
type Update struct {
	Tenant         string
	Carrier        string
	EventID        string
	OrderID        string
	TrackingNumber string
	CarrierStatus  string
	Status         shipper.ShipmentStatus
	Terminal       bool
	ManualAction   bool
	OccurredAt     time.Time
}

// StatusSink receives translated updates. Apply must be idempotent per
// (EventID, OrderID) since failed events are replayed.
type StatusSink interface {
	Apply(ctx context.Context, u Update) error
}

// LogSink logs updates. It is the default sink when no downstream
// system consumes shipment state.
type LogSink struct {
	Logger *otelzap.Logger
}

// Apply logs u.
func (s LogSink) Apply(ctx context.Context, u Update) error {
	log := s.Logger.Ctx(ctx)
	fields := []zap.Field{
		zap.String("tenant", u.Tenant),
		zap.String("carrier", u.Carrier),
		zap.String("order_id", u.OrderID),
		zap.String("carrier_status", u.CarrierStatus),
		zap.String("status", string(u.Status)),
		zap.Bool("terminal", u.Terminal),
	}
	if u.ManualAction {
		log.Warn("Shipment requires manual action", fields...)
		return nil
	}
	log.Info("Shipment status updated", fields...)
	return nil
}

// StatusProcessor turns verified carrier webhooks into canonical updates.
type StatusProcessor struct {
	carriers *shipper.Registry
	mapper   *status.Mapper
	sink     StatusSink
}

// NewStatusProcessor creates a processor delivering to sink.
func NewStatusProcessor(carriers *shipper.Registry, mapper *status.Mapper, sink StatusSink) *StatusProcessor {
	return &StatusProcessor{carriers: carriers, mapper: mapper, sink: sink}
}

// Process parses ev with its carrier's parser and applies every update.
// An unmapped status fails the whole event so it can be replayed once the
// table is fixed.
func (p *StatusProcessor) Process(ctx context.Context, ev *webhook.Event) error {
	c, err := p.carriers.Get(ev.Provider)
	if err != nil {
		return err
	}
	parser, ok := c.(shipper.WebhookParser)
	if !ok {
		return fmt.Errorf("carrier %s does not accept webhooks", ev.Provider)
	}

	raw, err := parser.ParseWebhook(ev.Topic, ev.Payload)
	if err != nil {
		return err
	}

	updates := make([]Update, 0, len(raw))
	for _, r := range raw {
		m, err := p.mapper.Map(ev.Provider, r.CarrierStatus)
		if err != nil {
			return err
		}
		occurred := r.OccurredAt
		if occurred.IsZero() {
			occurred = ev.ReceivedAt
		}
		updates = append(updates, Update{
			Tenant:         ev.Tenant,
			Carrier:        ev.Provider,
			EventID:        ev.ID.String(),
			OrderID:        r.OrderID,
			TrackingNumber: r.TrackingNumber,
			CarrierStatus:  r.CarrierStatus,
			Status:         shipper.ShipmentStatus(m.Canonical),
			Terminal:       m.IsTerminal,
			ManualAction:   m.RequiresManualAction,
			OccurredAt:     occurred,
		})
	}

	for _, u := range updates {
		if err := p.sink.Apply(ctx, u); err != nil {
			return fmt.Errorf("applying %s update for %s: %w", u.Carrier, u.OrderID, err)
		}
	}
	return nil
}

// RegisterProcessors installs p for every carrier that parses webhooks.
func RegisterProcessors(d *webhook.Dispatcher, carriers *shipper.Registry, p *StatusProcessor) []string {
	var registered []string
	for _, name := range carriers.Names() {
		c, err := carriers.Get(name)
		if err != nil {
			continue
		}
		if _, ok := c.(shipper.WebhookParser); ok {
			d.Register(name, p)
			registered = append(registered, name)
		}
	}
	return registered
}

var _ webhook.Processor = (*StatusProcessor)(nil)
