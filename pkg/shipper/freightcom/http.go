package freightcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tournevent/gatekeeper/pkg/provider"
)

// APIClient is the Freightcom REST surface used by Client. Every method
// performs the request with the bearer token carried by ctx.
type APIClient interface {
	GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error)
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)
	GetShipment(ctx context.Context, shipmentID string) (*ShipmentResponse, error)
	CancelShipment(ctx context.Context, shipmentID string) (*CancelResponse, error)
	GetTracking(ctx context.Context, shipmentID string) (*TrackingResponse, error)
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL string
	// Timeout caps a single HTTP exchange; the caller's context usually
	// expires first.
	Timeout      time.Duration
	PollInterval time.Duration
}

// HTTPAPIClient talks to the Freightcom API over HTTP.
type HTTPAPIClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewHTTPAPIClient creates an HTTP API client.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &HTTPAPIClient{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		pollInterval: cfg.PollInterval,
	}
}

// GetRates submits a rate request and polls until it completes. The
// caller's deadline bounds the polling.
func (c *HTTPAPIClient) GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error) {
	var ack RateRequestResponse
	if err := c.do(ctx, http.MethodPost, "/rate", req, &ack); err != nil {
		return nil, err
	}

	path := "/rate/" + ack.RequestID
	for {
		var result RatesResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
			return nil, err
		}
		switch result.Status {
		case "complete":
			return &result, nil
		case "error":
			return nil, provider.New(carrierName, provider.KindNotServiceable, "RATE_ERROR", result.Error)
		case "pending":
			if err := c.sleep(ctx); err != nil {
				return nil, err
			}
		default:
			return nil, provider.New(carrierName, provider.KindProviderUnavailable, "UNKNOWN_STATUS",
				fmt.Sprintf("unknown rate status %q", result.Status))
		}
	}
}

// CreateShipment books a shipment and waits while Freightcom processes it.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	var result ShipmentResponse
	if err := c.do(ctx, http.MethodPost, "/shipment", req, &result); err != nil {
		return nil, err
	}

	for result.Status == "pending" || result.Status == "processing" {
		if err := c.sleep(ctx); err != nil {
			return nil, err
		}
		next, err := c.GetShipment(ctx, result.ID)
		if err != nil {
			return nil, err
		}
		result = *next
	}
	if result.Status == "error" || result.Status == "failed" {
		return nil, provider.New(carrierName, provider.KindNotServiceable, "SHIPMENT_ERROR",
			fmt.Sprintf("shipment %s failed with status %s", result.ID, result.Status))
	}
	return &result, nil
}

// GetShipment fetches a shipment, labels included.
func (c *HTTPAPIClient) GetShipment(ctx context.Context, shipmentID string) (*ShipmentResponse, error) {
	var result ShipmentResponse
	if err := c.do(ctx, http.MethodGet, "/shipment/"+shipmentID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelShipment cancels a shipment. An empty success body means cancelled.
func (c *HTTPAPIClient) CancelShipment(ctx context.Context, shipmentID string) (*CancelResponse, error) {
	result := CancelResponse{ShipmentID: shipmentID, Status: "cancelled"}
	if err := c.do(ctx, http.MethodDelete, "/shipment/"+shipmentID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTracking fetches a shipment's tracking events.
func (c *HTTPAPIClient) GetTracking(ctx context.Context, shipmentID string) (*TrackingResponse, error) {
	var result TrackingResponse
	if err := c.do(ctx, http.MethodGet, "/shipment/"+shipmentID+"/tracking-events", nil, &result); err != nil {
		return nil, err
	}
	result.ShipmentID = shipmentID
	return &result, nil
}

func (c *HTTPAPIClient) sleep(ctx context.Context) error {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do performs one request. Non-2xx responses become classified provider
// errors; transport failures are returned as is for upstream
// classification.
func (c *HTTPAPIClient) do(ctx context.Context, method, path string, body, out any) error {
	bearer, ok := provider.BearerFromContext(ctx)
	if !ok || bearer == "" {
		return provider.New(carrierName, provider.KindAuthenticationFailed, "MISSING_TOKEN", "no bearer token in context")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("User-Agent", "gatekeeper/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		return provider.FromStatus(carrierName, resp.StatusCode, eb.Code, msg, resp.Header)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return provider.New(carrierName, provider.KindProviderUnavailable, "BAD_RESPONSE",
			"undecodable response body").WithCause(err).WithStatusCode(resp.StatusCode)
	}
	return nil
}

var _ APIClient = (*HTTPAPIClient)(nil)
