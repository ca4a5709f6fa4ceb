package freightcom

// Wire types of the Freightcom REST API.

// RatesRequest is the body of POST /rate.
type RatesRequest struct {
	Services []int           `json:"services,omitempty"`
	Details  ShippingDetails `json:"details"`
}

// ShippingDetails describes the route and parcels.
type ShippingDetails struct {
	Origin      Location      `json:"origin"`
	Destination Location      `json:"destination"`
	Packaging   PackagingInfo `json:"packaging"`
}

// Location is an origin or destination.
type Location struct {
	Name        string `json:"name,omitempty"`
	Company     string `json:"company,omitempty"`
	Address1    string `json:"address_1"`
	Address2    string `json:"address_2,omitempty"`
	City        string `json:"city"`
	Province    string `json:"province"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	Residential bool   `json:"residential,omitempty"`
}

// PackagingInfo groups the parcels.
type PackagingInfo struct {
	Type     string    `json:"type"`
	Packages []Package `json:"packages"`
}

// Package is one parcel in cm and kg.
type Package struct {
	Length      float64 `json:"length"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity,omitempty"`
}

// RateRequestResponse acknowledges an asynchronous rate request.
type RateRequestResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// RatesResponse is returned by GET /rate/{request_id}.
type RatesResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Rates     []Rate `json:"rates,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Rate is one priced service.
type Rate struct {
	ID                string  `json:"id"`
	ServiceID         int     `json:"service_id"`
	ServiceCode       string  `json:"service_code"`
	ServiceName       string  `json:"service_name"`
	TotalPrice        float64 `json:"total_price"`
	Currency          string  `json:"currency"`
	TransitDays       int     `json:"transit_days"`
	EstimatedDelivery string  `json:"estimated_delivery,omitempty"`
	Guaranteed        bool    `json:"guaranteed"`
	ExpiresAt         string  `json:"expires_at"`
}

// ShipmentRequest is the body of POST /shipment. UniqueID makes the
// booking idempotent on Freightcom's side.
type ShipmentRequest struct {
	UniqueID        string          `json:"unique_id"`
	PaymentMethodID int             `json:"payment_method_id"`
	ServiceID       int             `json:"service_id"`
	Details         ShippingDetails `json:"details"`
	Reference       string          `json:"reference,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
}

// ShipmentResponse describes a shipment.
type ShipmentResponse struct {
	ID                string   `json:"id"`
	UniqueID          string   `json:"unique_id"`
	PreviouslyCreated bool     `json:"previously_created"`
	Status            string   `json:"status"`
	TrackingNumbers   []string `json:"tracking_numbers"`
	TrackingURL       string   `json:"tracking_url,omitempty"`
	ServiceName       string   `json:"service_name"`
	TotalCharged      float64  `json:"total_charged"`
	Currency          string   `json:"currency"`
	EstimatedDelivery string   `json:"estimated_delivery,omitempty"`
	Labels            []Label  `json:"labels,omitempty"`
}

// Label is a printable label.
type Label struct {
	Size   string `json:"size"`
	Format string `json:"format"`
	URL    string `json:"url"`
}

// CancelResponse is returned by DELETE /shipment/{id}.
type CancelResponse struct {
	ShipmentID         string  `json:"shipment_id"`
	Status             string  `json:"status"`
	RefundAmount       float64 `json:"refund_amount,omitempty"`
	Currency           string  `json:"currency,omitempty"`
	ConfirmationNumber string  `json:"confirmation_number,omitempty"`
}

// TrackingResponse is returned by GET /shipment/{id}/tracking-events.
type TrackingResponse struct {
	ShipmentID     string          `json:"shipment_id"`
	TrackingNumber string          `json:"tracking_number"`
	Status         string          `json:"status"`
	Events         []TrackingEvent `json:"events"`
}

// TrackingEvent is one carrier scan.
type TrackingEvent struct {
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Status      string `json:"status"`
}

// WebhookPayload is the body of a tracking callback.
type WebhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ShipmentID     string `json:"shipment_id"`
		TrackingNumber string `json:"tracking_number"`
		Status         string `json:"status"`
		OccurredAt     string `json:"occurred_at"`
	} `json:"data"`
}

// errorBody is Freightcom's error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}
