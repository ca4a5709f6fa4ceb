// Package mock provides an in-memory carrier for development and tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/tournevent/gatekeeper/pkg/shipper"
)

// Client is an in-memory carrier. Orders live for the life of the client.
type Client struct {
	name string
	seq  atomic.Int64

	mu       sync.Mutex
	orders   map[string]*shipper.CreateOrderResponse
	failures []error
	calls    map[string]int
	bearers  []string
}

// New creates a mock carrier.
func New(name string) *Client {
	return &Client{
		name:   name,
		orders: make(map[string]*shipper.CreateOrderResponse),
		calls:  make(map[string]int),
	}
}

// FailNext queues errors returned by the next calls, in order.
func (c *Client) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
}

// Calls returns how many times op reached the carrier.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Bearers returns the tokens presented so far.
func (c *Client) Bearers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bearers...)
}

func (c *Client) enter(ctx context.Context, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	if bearer, ok := provider.BearerFromContext(ctx); ok {
		c.bearers = append(c.bearers, bearer)
	}
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return err
	}
	return ctx.Err()
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return c.name
}

// GetQuote returns a standard and an express rate.
func (c *Client) GetQuote(ctx context.Context, req *shipper.QuoteRequest) (*shipper.QuoteResponse, error) {
	if err := c.enter(ctx, "get_rate"); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(30 * time.Minute)
	n := c.seq.Add(1)

	rate := func(code string, st shipper.ServiceType, cents float64, days int) shipper.RateOption {
		eta := now.Add(time.Duration(days) * 24 * time.Hour)
		return shipper.RateOption{
			RateID:            fmt.Sprintf("%s-rate-%s-%d", c.name, code, n),
			Carrier:           c.name,
			ServiceCode:       code,
			ServiceName:       fmt.Sprintf("%s %s", c.name, code),
			ServiceType:       st,
			TotalPrice:        shipper.Money{Amount: cents * float64(len(req.Packages)), Currency: "CAD"},
			TransitDays:       days,
			EstimatedDelivery: &eta,
			ExpiresAt:         expiresAt,
			Guaranteed:        st == shipper.ServiceExpress,
		}
	}

	return &shipper.QuoteResponse{
		QuoteID:   fmt.Sprintf("%s-quote-%d", c.name, n),
		Carrier:   c.name,
		ExpiresAt: expiresAt,
		Rates: []shipper.RateOption{
			rate("STANDARD", shipper.ServiceStandard, 15.82, 5),
			rate("EXPRESS", shipper.ServiceExpress, 29.95, 2),
		},
	}, nil
}

// CreateOrder books an order in memory.
func (c *Client) CreateOrder(ctx context.Context, req *shipper.CreateOrderRequest) (*shipper.CreateOrderResponse, error) {
	if err := c.enter(ctx, "create_shipment"); err != nil {
		return nil, err
	}
	n := c.seq.Add(1)
	orderID := fmt.Sprintf("%s-order-%d", c.name, n)
	tracking := fmt.Sprintf("TRK%09d", n)
	eta := time.Now().UTC().Add(5 * 24 * time.Hour)

	resp := &shipper.CreateOrderResponse{
		OrderID:           orderID,
		TrackingNumber:    tracking,
		TrackingURL:       fmt.Sprintf("https://track.%s.test/%s", c.name, tracking),
		CarrierStatus:     "booked",
		Carrier:           c.name,
		ServiceName:       req.RateID,
		TotalCharged:      shipper.Money{Amount: 15.82, Currency: "CAD"},
		EstimatedDelivery: &eta,
		LabelURL:          fmt.Sprintf("https://labels.%s.test/%s.pdf", c.name, orderID),
	}

	c.mu.Lock()
	c.orders[orderID] = resp
	c.mu.Unlock()

	out := *resp
	return &out, nil
}

func (c *Client) order(id string) (*shipper.CreateOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	if !ok {
		return nil, provider.New(c.name, provider.KindValidationFailed, "ORDER_NOT_FOUND",
			fmt.Sprintf("order %s not found", id)).WithStatusCode(404)
	}
	return o, nil
}

// GetLabel returns the order's label in the requested format.
func (c *Client) GetLabel(ctx context.Context, req *shipper.GetLabelRequest) (*shipper.GetLabelResponse, error) {
	if err := c.enter(ctx, "get_label"); err != nil {
		return nil, err
	}
	if _, err := c.order(req.OrderID); err != nil {
		return nil, err
	}
	format := req.Format
	if format == "" {
		format = shipper.LabelPDF
	}
	return &shipper.GetLabelResponse{
		OrderID: req.OrderID,
		Labels: []shipper.Label{{
			Format: format,
			URL:    fmt.Sprintf("https://labels.%s.test/%s.%s", c.name, req.OrderID, format),
		}},
	}, nil
}

// CancelOrder marks the order cancelled.
func (c *Client) CancelOrder(ctx context.Context, req *shipper.CancelOrderRequest) (*shipper.CancelOrderResponse, error) {
	if err := c.enter(ctx, "cancel_shipment"); err != nil {
		return nil, err
	}
	o, err := c.order(req.OrderID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	o.CarrierStatus = "cancelled"
	c.mu.Unlock()

	return &shipper.CancelOrderResponse{
		OrderID:            req.OrderID,
		CarrierStatus:      "cancelled",
		RefundAmount:       &o.TotalCharged,
		ConfirmationNumber: fmt.Sprintf("CANCEL-%d", c.seq.Add(1)),
	}, nil
}

// Track returns the order's single booking event.
func (c *Client) Track(ctx context.Context, req *shipper.TrackRequest) (*shipper.TrackResponse, error) {
	if err := c.enter(ctx, "track"); err != nil {
		return nil, err
	}
	o, err := c.order(req.OrderID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return &shipper.TrackResponse{
		OrderID:        o.OrderID,
		TrackingNumber: o.TrackingNumber,
		CarrierStatus:  o.CarrierStatus,
		Events: []shipper.TrackingEvent{{
			Timestamp:     time.Now().UTC(),
			Description:   "Shipment information received",
			CarrierStatus: o.CarrierStatus,
		}},
	}, nil
}

// ParseWebhook decodes a JSON array of status updates.
func (c *Client) ParseWebhook(_ string, payload []byte) ([]shipper.StatusUpdate, error) {
	var updates []shipper.StatusUpdate
	if err := json.Unmarshal(payload, &updates); err != nil {
		return nil, fmt.Errorf("decoding %s webhook: %w", c.name, err)
	}
	return updates, nil
}

var (
	_ shipper.Shipper       = (*Client)(nil)
	_ shipper.WebhookParser = (*Client)(nil)
)
