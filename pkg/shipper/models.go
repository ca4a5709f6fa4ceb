package shipper

import (
	"time"
)

// ShipmentStatus is the canonical status of a shipment.
type ShipmentStatus string

const (
	StatusUnknown        ShipmentStatus = "unknown"
	StatusPending        ShipmentStatus = "pending"
	StatusConfirmed      ShipmentStatus = "confirmed"
	StatusPickedUp       ShipmentStatus = "picked_up"
	StatusInTransit      ShipmentStatus = "in_transit"
	StatusOutForDelivery ShipmentStatus = "out_for_delivery"
	StatusDelivered      ShipmentStatus = "delivered"
	StatusReturned       ShipmentStatus = "returned"
	StatusCancelled      ShipmentStatus = "cancelled"
	StatusException      ShipmentStatus = "exception"
)

// Statuses lists every canonical status.
func Statuses() []ShipmentStatus {
	return []ShipmentStatus{
		StatusUnknown, StatusPending, StatusConfirmed, StatusPickedUp, StatusInTransit,
		StatusOutForDelivery, StatusDelivered, StatusReturned, StatusCancelled, StatusException,
	}
}

// ServiceType represents the shipping service type.
type ServiceType string

const (
	ServiceStandard  ServiceType = "standard"
	ServiceExpress   ServiceType = "express"
	ServicePriority  ServiceType = "priority"
	ServiceOvernight ServiceType = "overnight"
	ServiceEconomy   ServiceType = "economy"
	ServiceFreight   ServiceType = "freight"
)

// LabelFormat represents the format of shipping labels.
type LabelFormat string

const (
	LabelPDF LabelFormat = "pdf"
	LabelPNG LabelFormat = "png"
	LabelZPL LabelFormat = "zpl"
)

// Address is a postal address with its contact.
type Address struct {
	Name          string `json:"name" validate:"required"`
	Company       string `json:"company,omitempty"`
	Line1         string `json:"line1" validate:"required"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city" validate:"required"`
	ProvinceCode  string `json:"province_code" validate:"required"`
	PostalCode    string `json:"postal_code" validate:"required"`
	CountryCode   string `json:"country_code" validate:"required,iso3166_1_alpha2"`
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty" validate:"omitempty,email"`
	IsResidential bool   `json:"is_residential,omitempty"`
}

// Package is one parcel; dimensions in cm, weight in kg.
type Package struct {
	Length      float64 `json:"length" validate:"gt=0"`
	Width       float64 `json:"width" validate:"gt=0"`
	Height      float64 `json:"height" validate:"gt=0"`
	Weight      float64 `json:"weight" validate:"gt=0"`
	Description string  `json:"description,omitempty"`
}

// Money represents a monetary amount.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// RateOption is one priced service offered by a carrier.
type RateOption struct {
	RateID            string      `json:"rate_id"`
	Carrier           string      `json:"carrier"`
	ServiceCode       string      `json:"service_code"`
	ServiceName       string      `json:"service_name"`
	ServiceType       ServiceType `json:"service_type"`
	TotalPrice        Money       `json:"total_price"`
	TransitDays       int         `json:"transit_days"`
	EstimatedDelivery *time.Time  `json:"estimated_delivery,omitempty"`
	ExpiresAt         time.Time   `json:"expires_at"`
	Guaranteed        bool        `json:"guaranteed"`
}

// TrackingEvent is one scan reported by a carrier.
type TrackingEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	Description   string         `json:"description"`
	Location      string         `json:"location,omitempty"`
	CarrierStatus string         `json:"carrier_status"`
	Status        ShipmentStatus `json:"status"`
}

// Label represents a shipping label.
type Label struct {
	Format LabelFormat `json:"format"`
	URL    string      `json:"url"`
}

// StatusUpdate is a carrier-pushed status change for one shipment.
type StatusUpdate struct {
	OrderID        string    `json:"order_id"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	CarrierStatus  string    `json:"carrier_status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// QuoteRequest asks for rates.
type QuoteRequest struct {
	Origin      Address   `json:"origin" validate:"required"`
	Destination Address   `json:"destination" validate:"required"`
	Packages    []Package `json:"packages" validate:"required,min=1,dive"`
}

// QuoteResponse lists a carrier's rates.
type QuoteResponse struct {
	QuoteID   string       `json:"quote_id"`
	Carrier   string       `json:"carrier"`
	Rates     []RateOption `json:"rates"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// CreateOrderRequest books a shipment. Reference is forwarded to carriers
// that deduplicate on their side.
type CreateOrderRequest struct {
	RateID       string    `json:"rate_id" validate:"required"`
	Sender       Address   `json:"sender" validate:"required"`
	Recipient    Address   `json:"recipient" validate:"required"`
	Packages     []Package `json:"packages" validate:"required,min=1,dive"`
	Reference    string    `json:"reference,omitempty" validate:"max=128"`
	Instructions string    `json:"instructions,omitempty"`
}

// CreateOrderResponse describes the booked shipment.
type CreateOrderResponse struct {
	OrderID           string         `json:"order_id"`
	TrackingNumber    string         `json:"tracking_number"`
	TrackingURL       string         `json:"tracking_url,omitempty"`
	CarrierStatus     string         `json:"carrier_status"`
	Status            ShipmentStatus `json:"status"`
	Carrier           string         `json:"carrier"`
	ServiceName       string         `json:"service_name"`
	TotalCharged      Money          `json:"total_charged"`
	EstimatedDelivery *time.Time     `json:"estimated_delivery,omitempty"`
	LabelURL          string         `json:"label_url,omitempty"`
}

// GetLabelRequest asks for an order's label.
type GetLabelRequest struct {
	OrderID string      `json:"order_id" validate:"required"`
	Format  LabelFormat `json:"format,omitempty"`
}

// GetLabelResponse carries the order's labels.
type GetLabelResponse struct {
	OrderID string  `json:"order_id"`
	Labels  []Label `json:"labels"`
}

// CancelOrderRequest cancels an order.
type CancelOrderRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	Reason  string `json:"reason,omitempty"`
}

// CancelOrderResponse confirms a cancellation.
type CancelOrderResponse struct {
	OrderID            string         `json:"order_id"`
	CarrierStatus      string         `json:"carrier_status"`
	Status             ShipmentStatus `json:"status"`
	RefundAmount       *Money         `json:"refund_amount,omitempty"`
	ConfirmationNumber string         `json:"confirmation_number,omitempty"`
}

// TrackRequest asks for an order's tracking history.
type TrackRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

// TrackResponse is an order's tracking history, oldest event first.
type TrackResponse struct {
	OrderID        string          `json:"order_id"`
	TrackingNumber string          `json:"tracking_number"`
	CarrierStatus  string          `json:"carrier_status"`
	Status         ShipmentStatus  `json:"status"`
	Events         []TrackingEvent `json:"events"`
}
