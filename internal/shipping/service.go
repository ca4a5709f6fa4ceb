// Package shipping exposes carrier operations to tenants. Every carrier
// request goes through the provider gateway, and every raw carrier status
// is translated through the status mapper before it leaves the package.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/tournevent/gatekeeper/internal/gateway"
	"github.com/tournevent/gatekeeper/internal/ratelimit"
	"github.com/tournevent/gatekeeper/internal/status"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Carrier operations, used as rate-limit and idempotency scopes.
const (
	OpGetRate        = "get_rate"
	OpCreateShipment = ratelimit.OpCreateShipment
	OpCancelShipment = "cancel_shipment"
	OpTrack          = ratelimit.OpTrack
	OpGetLabel       = "get_label"
)

// Service runs carrier operations for tenants.
type Service struct {
	gw       *gateway.Gateway
	carriers *shipper.Registry
	mapper   *status.Mapper
	validate *validator.Validate
	logger   *otelzap.Logger
}

// NewService creates a shipping service.
func NewService(gw *gateway.Gateway, carriers *shipper.Registry, mapper *status.Mapper, logger *otelzap.Logger) *Service {
	return &Service{
		gw:       gw,
		carriers: carriers,
		mapper:   mapper,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Carriers returns the registered carrier names.
func (s *Service) Carriers() []string {
	return s.carriers.Names()
}

func (s *Service) carrier(name string) (shipper.Shipper, error) {
	c, err := s.carriers.Get(name)
	if err != nil {
		return nil, provider.New(name, provider.KindValidationFailed, "UNKNOWN_CARRIER", err.Error()).WithCause(err)
	}
	return c, nil
}

func (s *Service) check(carrier string, req any) error {
	if err := s.validate.Struct(req); err != nil {
		return provider.New(carrier, provider.KindValidationFailed, "INVALID_REQUEST", err.Error()).WithCause(err)
	}
	return nil
}

// canonical maps a raw carrier status. A status missing from the table
// becomes unknown so a completed carrier call is never reported as failed.
func (s *Service) canonical(ctx context.Context, carrier, raw string) shipper.ShipmentStatus {
	if raw == "" {
		return shipper.StatusUnknown
	}
	m, err := s.mapper.Map(carrier, raw)
	if err != nil {
		s.logger.Ctx(ctx).Error("Unmapped carrier status",
			zap.String("carrier", carrier),
			zap.String("carrier_status", raw),
			zap.Error(err),
		)
		return shipper.StatusUnknown
	}
	return shipper.ShipmentStatus(m.Canonical)
}

// GetQuote asks one carrier for rates.
func (s *Service) GetQuote(ctx context.Context, tenant, carrier string, req *shipper.QuoteRequest) (*shipper.QuoteResponse, error) {
	c, err := s.carrier(carrier)
	if err != nil {
		return nil, err
	}
	if err := s.check(carrier, req); err != nil {
		return nil, err
	}

	resp, _, err := gateway.Invoke(ctx, s.gw, s.request(tenant, carrier, OpGetRate, ""),
		func(ctx context.Context) (*shipper.QuoteResponse, error) {
			return c.GetQuote(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	if resp.Carrier == "" {
		resp.Carrier = carrier
	}
	return resp, nil
}

// CarrierError is one carrier's failure in a fan-out.
type CarrierError struct {
	Carrier string
	Err     error
}

func (e *CarrierError) Error() string {
	return fmt.Sprintf("%s: %v", e.Carrier, e.Err)
}

func (e *CarrierError) Unwrap() error {
	return e.Err
}

// Quotes asks several carriers for rates in parallel; an empty list means
// every registered carrier. A failing carrier does not fail the others.
func (s *Service) Quotes(ctx context.Context, tenant string, carriers []string, req *shipper.QuoteRequest) ([]*shipper.QuoteResponse, []error) {
	if len(carriers) == 0 {
		carriers = s.carriers.Names()
	}
	if len(carriers) == 0 {
		return nil, []error{shipper.ErrCarrierNotFound}
	}

	var (
		mu      sync.Mutex
		results = make([]*shipper.QuoteResponse, 0, len(carriers))
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range carriers {
		g.Go(func() error {
			resp, err := s.GetQuote(gctx, tenant, name, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &CarrierError{Carrier: name, Err: err})
				return nil
			}
			results = append(results, resp)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// ErrIdempotencyKeyRequired rejects order creation without a key.
var ErrIdempotencyKeyRequired = errors.New("idempotency key required")

// CreateOrder books a shipment at most once per idempotency key. The key
// doubles as the carrier reference when the request carries none.
func (s *Service) CreateOrder(ctx context.Context, tenant, carrier, key string, req *shipper.CreateOrderRequest) (*shipper.CreateOrderResponse, bool, error) {
	if key == "" {
		return nil, false, provider.New(carrier, provider.KindValidationFailed, "IDEMPOTENCY_KEY_REQUIRED",
			ErrIdempotencyKeyRequired.Error()).WithCause(ErrIdempotencyKeyRequired)
	}
	c, err := s.carrier(carrier)
	if err != nil {
		return nil, false, err
	}
	if err := s.check(carrier, req); err != nil {
		return nil, false, err
	}
	if req.Reference == "" {
		req.Reference = key
	}

	resp, replayed, err := gateway.Invoke(ctx, s.gw, s.request(tenant, carrier, OpCreateShipment, key),
		func(ctx context.Context) (*shipper.CreateOrderResponse, error) {
			return c.CreateOrder(ctx, req)
		})
	if err != nil {
		return nil, false, err
	}
	resp.Status = s.canonical(ctx, carrier, resp.CarrierStatus)
	return resp, replayed, nil
}

// CancelOrder cancels a shipment. A key makes the cancellation replayable.
func (s *Service) CancelOrder(ctx context.Context, tenant, carrier, key string, req *shipper.CancelOrderRequest) (*shipper.CancelOrderResponse, error) {
	c, err := s.carrier(carrier)
	if err != nil {
		return nil, err
	}
	if err := s.check(carrier, req); err != nil {
		return nil, err
	}

	resp, _, err := gateway.Invoke(ctx, s.gw, s.request(tenant, carrier, OpCancelShipment, key),
		func(ctx context.Context) (*shipper.CancelOrderResponse, error) {
			return c.CancelOrder(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	resp.Status = s.canonical(ctx, carrier, resp.CarrierStatus)
	return resp, nil
}

// Track returns a shipment's history with canonical statuses.
func (s *Service) Track(ctx context.Context, tenant, carrier string, req *shipper.TrackRequest) (*shipper.TrackResponse, error) {
	c, err := s.carrier(carrier)
	if err != nil {
		return nil, err
	}
	if err := s.check(carrier, req); err != nil {
		return nil, err
	}

	resp, _, err := gateway.Invoke(ctx, s.gw, s.request(tenant, carrier, OpTrack, ""),
		func(ctx context.Context) (*shipper.TrackResponse, error) {
			return c.Track(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	resp.Status = s.canonical(ctx, carrier, resp.CarrierStatus)
	for i := range resp.Events {
		resp.Events[i].Status = s.canonical(ctx, carrier, resp.Events[i].CarrierStatus)
	}
	return resp, nil
}

// GetLabel fetches a shipment's labels.
func (s *Service) GetLabel(ctx context.Context, tenant, carrier string, req *shipper.GetLabelRequest) (*shipper.GetLabelResponse, error) {
	c, err := s.carrier(carrier)
	if err != nil {
		return nil, err
	}
	if err := s.check(carrier, req); err != nil {
		return nil, err
	}

	resp, _, err := gateway.Invoke(ctx, s.gw, s.request(tenant, carrier, OpGetLabel, ""),
		func(ctx context.Context) (*shipper.GetLabelResponse, error) {
			return c.GetLabel(ctx, req)
		})
	return resp, err
}

func (s *Service) request(tenant, carrier, op, key string) gateway.Request {
	return gateway.Request{
		Tenant:         tenant,
		Provider:       carrier,
		Operation:      op,
		IdempotencyKey: key,
	}
}
