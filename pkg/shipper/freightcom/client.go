// Package freightcom integrates the Freightcom shipping API.
package freightcom

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const carrierName = "freightcom"

// Config holds Freightcom configuration.
type Config struct {
	BaseURL         string
	PaymentMethodID int
	Timeout         time.Duration
	PollInterval    time.Duration
}

// Client adapts the Freightcom API to shipper.Shipper. It makes one
// logical request per call; the gateway wrapping it supplies the bearer
// token and handles retries.
type Client struct {
	config    Config
	apiClient APIClient
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a client over HTTP.
func New(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	api := NewHTTPAPIClient(HTTPAPIClientConfig{
		BaseURL:      cfg.BaseURL,
		Timeout:      cfg.Timeout,
		PollInterval: cfg.PollInterval,
	})
	return NewWithAPIClient(cfg, api, logger, tracer)
}

// NewWithAPIClient creates a client over a custom API client.
func NewWithAPIClient(cfg Config, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if tracer == nil {
		tracer = otel.Tracer("gatekeeper/freightcom")
	}
	return &Client{
		config:    cfg,
		apiClient: apiClient,
		logger:    logger,
		tracer:    tracer,
	}
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return carrierName
}

func (c *Client) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "freightcom."+op, trace.WithAttributes(attrs...))
}

// GetQuote returns shipping quotes from Freightcom.
func (c *Client) GetQuote(ctx context.Context, req *shipper.QuoteRequest) (*shipper.QuoteResponse, error) {
	ctx, span := c.span(ctx, "get_quote")
	defer span.End()

	c.logger.Ctx(ctx).Info("Getting Freightcom quotes",
		zap.String("origin_postal_code", req.Origin.PostalCode),
		zap.String("destination_postal_code", req.Destination.PostalCode),
		zap.Int("package_count", len(req.Packages)),
	)

	resp, err := c.apiClient.GetRates(ctx, &RatesRequest{Details: details(req.Origin, req.Destination, req.Packages)})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return quoteFromAPI(resp), nil
}

// CreateOrder books a shipment. The request reference doubles as
// Freightcom's unique_id so a repeated booking returns the original.
func (c *Client) CreateOrder(ctx context.Context, req *shipper.CreateOrderRequest) (*shipper.CreateOrderResponse, error) {
	ctx, span := c.span(ctx, "create_order", attribute.String("freightcom.reference", req.Reference))
	defer span.End()

	serviceID, err := ParseRateID(req.RateID)
	if err != nil {
		return nil, err
	}

	uniqueID := req.Reference
	if uniqueID == "" {
		uniqueID = uuid.NewString()
	}

	resp, err := c.apiClient.CreateShipment(ctx, &ShipmentRequest{
		UniqueID:        uniqueID,
		PaymentMethodID: c.config.PaymentMethodID,
		ServiceID:       serviceID,
		Details:         details(req.Sender, req.Recipient, req.Packages),
		Reference:       req.Reference,
		Instructions:    req.Instructions,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.logger.Ctx(ctx).Info("Freightcom shipment booked",
		zap.String("order_id", resp.ID),
		zap.String("reference", req.Reference),
		zap.Bool("previously_created", resp.PreviouslyCreated),
	)
	return orderFromAPI(resp), nil
}

// GetLabel returns the shipment's labels, filtered by format when given.
func (c *Client) GetLabel(ctx context.Context, req *shipper.GetLabelRequest) (*shipper.GetLabelResponse, error) {
	ctx, span := c.span(ctx, "get_label", attribute.String("freightcom.order_id", req.OrderID))
	defer span.End()

	resp, err := c.apiClient.GetShipment(ctx, req.OrderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := &shipper.GetLabelResponse{OrderID: req.OrderID, Labels: []shipper.Label{}}
	for _, l := range resp.Labels {
		format := shipper.LabelFormat(strings.ToLower(l.Format))
		if req.Format != "" && format != req.Format {
			continue
		}
		out.Labels = append(out.Labels, shipper.Label{Format: format, URL: l.URL})
	}
	if len(out.Labels) == 0 {
		return nil, provider.New(carrierName, provider.KindValidationFailed, "LABEL_NOT_AVAILABLE",
			fmt.Sprintf("no %s label for order %s", req.Format, req.OrderID))
	}
	return out, nil
}

// CancelOrder cancels a shipment.
func (c *Client) CancelOrder(ctx context.Context, req *shipper.CancelOrderRequest) (*shipper.CancelOrderResponse, error) {
	ctx, span := c.span(ctx, "cancel_order", attribute.String("freightcom.order_id", req.OrderID))
	defer span.End()

	resp, err := c.apiClient.CancelShipment(ctx, req.OrderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.logger.Ctx(ctx).Info("Freightcom shipment cancelled",
		zap.String("order_id", req.OrderID), zap.String("reason", req.Reason))

	out := &shipper.CancelOrderResponse{
		OrderID:            resp.ShipmentID,
		CarrierStatus:      resp.Status,
		ConfirmationNumber: resp.ConfirmationNumber,
	}
	if resp.RefundAmount > 0 {
		out.RefundAmount = &shipper.Money{Amount: resp.RefundAmount, Currency: resp.Currency}
	}
	return out, nil
}

// Track returns the shipment's tracking events, oldest first.
func (c *Client) Track(ctx context.Context, req *shipper.TrackRequest) (*shipper.TrackResponse, error) {
	ctx, span := c.span(ctx, "track", attribute.String("freightcom.order_id", req.OrderID))
	defer span.End()

	resp, err := c.apiClient.GetTracking(ctx, req.OrderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := &shipper.TrackResponse{
		OrderID:        resp.ShipmentID,
		TrackingNumber: resp.TrackingNumber,
		CarrierStatus:  resp.Status,
		Events:         make([]shipper.TrackingEvent, 0, len(resp.Events)),
	}
	for _, e := range resp.Events {
		ts, _ := time.Parse(time.RFC3339, e.Timestamp)
		out.Events = append(out.Events, shipper.TrackingEvent{
			Timestamp:     ts,
			Description:   e.Description,
			Location:      e.Location,
			CarrierStatus: e.Status,
		})
	}
	return out, nil
}

// ParseWebhook extracts the status change from a tracking callback.
func (c *Client) ParseWebhook(topic string, payload []byte) ([]shipper.StatusUpdate, error) {
	var p WebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding freightcom webhook: %w", err)
	}
	if p.Data.ShipmentID == "" || p.Data.Status == "" {
		return nil, fmt.Errorf("freightcom webhook %q: missing shipment_id or status", topic)
	}

	occurred, err := time.Parse(time.RFC3339, p.Data.OccurredAt)
	if err != nil {
		occurred = time.Now().UTC()
	}
	return []shipper.StatusUpdate{{
		OrderID:        p.Data.ShipmentID,
		TrackingNumber: p.Data.TrackingNumber,
		CarrierStatus:  p.Data.Status,
		OccurredAt:     occurred,
	}}, nil
}

// RateID builds the rate identifier handed to callers; it carries the
// service id CreateOrder needs.
func RateID(serviceID int, rateID string) string {
	return strconv.Itoa(serviceID) + ":" + rateID
}

// ParseRateID extracts the service id from a RateID value.
func ParseRateID(v string) (int, error) {
	head, _, _ := strings.Cut(v, ":")
	id, err := strconv.Atoi(head)
	if err != nil || id <= 0 {
		return 0, provider.New(carrierName, provider.KindValidationFailed, "INVALID_RATE_ID",
			fmt.Sprintf("rate id %q does not name a freightcom service", v))
	}
	return id, nil
}

func details(from, to shipper.Address, pkgs []shipper.Package) ShippingDetails {
	out := ShippingDetails{
		Origin:      location(from),
		Destination: location(to),
		Packaging:   PackagingInfo{Type: "package", Packages: make([]Package, len(pkgs))},
	}
	for i, p := range pkgs {
		out.Packaging.Packages[i] = Package{
			Length:      p.Length,
			Width:       p.Width,
			Height:      p.Height,
			Weight:      p.Weight,
			Description: p.Description,
			Quantity:    1,
		}
	}
	return out
}

func location(a shipper.Address) Location {
	return Location{
		Name:        a.Name,
		Company:     a.Company,
		Address1:    a.Line1,
		Address2:    a.Line2,
		City:        a.City,
		Province:    a.ProvinceCode,
		PostalCode:  a.PostalCode,
		Country:     a.CountryCode,
		Phone:       a.Phone,
		Email:       a.Email,
		Residential: a.IsResidential,
	}
}

func quoteFromAPI(resp *RatesResponse) *shipper.QuoteResponse {
	out := &shipper.QuoteResponse{
		QuoteID: resp.RequestID,
		Carrier: carrierName,
		Rates:   make([]shipper.RateOption, len(resp.Rates)),
	}
	for i, r := range resp.Rates {
		expiresAt, _ := time.Parse(time.RFC3339, r.ExpiresAt)
		out.Rates[i] = shipper.RateOption{
			RateID:            RateID(r.ServiceID, r.ID),
			Carrier:           carrierName,
			ServiceCode:       r.ServiceCode,
			ServiceName:       r.ServiceName,
			ServiceType:       serviceType(r.ServiceCode),
			TotalPrice:        shipper.Money{Amount: r.TotalPrice, Currency: r.Currency},
			TransitDays:       r.TransitDays,
			EstimatedDelivery: parseDate(r.EstimatedDelivery),
			ExpiresAt:         expiresAt,
			Guaranteed:        r.Guaranteed,
		}
		if out.ExpiresAt.IsZero() || (!expiresAt.IsZero() && expiresAt.Before(out.ExpiresAt)) {
			out.ExpiresAt = expiresAt
		}
	}
	return out
}

func orderFromAPI(resp *ShipmentResponse) *shipper.CreateOrderResponse {
	out := &shipper.CreateOrderResponse{
		OrderID:           resp.ID,
		TrackingURL:       resp.TrackingURL,
		CarrierStatus:     resp.Status,
		Carrier:           carrierName,
		ServiceName:       resp.ServiceName,
		TotalCharged:      shipper.Money{Amount: resp.TotalCharged, Currency: resp.Currency},
		EstimatedDelivery: parseDate(resp.EstimatedDelivery),
	}
	if len(resp.TrackingNumbers) > 0 {
		out.TrackingNumber = resp.TrackingNumbers[0]
	}
	if len(resp.Labels) > 0 {
		out.LabelURL = resp.Labels[0].URL
	}
	return out
}

func parseDate(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil
	}
	return &t
}

func serviceType(code string) shipper.ServiceType {
	switch code {
	case "EXPRESS", "FEDEX_EXPRESS_SAVER", "UPS_EXPRESS_SAVER":
		return shipper.ServiceExpress
	case "PRIORITY", "FEDEX_PRIORITY_OVERNIGHT", "UPS_NEXT_DAY_AIR":
		return shipper.ServicePriority
	case "OVERNIGHT", "FEDEX_STANDARD_OVERNIGHT":
		return shipper.ServiceOvernight
	case "ECONOMY", "FEDEX_ECONOMY":
		return shipper.ServiceEconomy
	case "FREIGHT", "LTL":
		return shipper.ServiceFreight
	default:
		return shipper.ServiceStandard
	}
}

var (
	_ shipper.Shipper       = (*Client)(nil)
	_ shipper.WebhookParser = (*Client)(nil)
)
