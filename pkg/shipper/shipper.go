// Package shipper defines the carrier abstraction the shipping service
// drives through the provider gateway.
package shipper

import (
	"context"
)

// Shipper is implemented by every carrier integration. Implementations
// perform exactly one provider request per call and return errors
// classified with pkg/provider; retries and throttling happen upstream.
type Shipper interface {
	// Name returns the carrier identifier (e.g., "freightcom").
	Name() string

	GetQuote(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error)
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error)
	GetLabel(ctx context.Context, req *GetLabelRequest) (*GetLabelResponse, error)
	CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error)
	Track(ctx context.Context, req *TrackRequest) (*TrackResponse, error)
}

// WebhookParser is implemented by carriers that push status callbacks.
// It extracts the raw carrier statuses from a verified payload.
type WebhookParser interface {
	ParseWebhook(topic string, payload []byte) ([]StatusUpdate, error)
}
