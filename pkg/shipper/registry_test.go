package shipper_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"github.com/tournevent/gatekeeper/pkg/shipper/mock"
)

func TestRegistry_Register(t *testing.T) {
	registry := shipper.NewRegistry()
	registry.Register(mock.New("test-shipper"))

	got, err := registry.Get("test-shipper")
	require.NoError(t, err, "shipper should be registered")
	assert.Equal(t, "test-shipper", got.Name())
}

func TestRegistry_Register_Override(t *testing.T) {
	registry := shipper.NewRegistry()

	registry.Register(mock.New("test-shipper"))
	registry.Register(mock.New("test-shipper"))
	assert.Equal(t, 1, registry.Count())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	registry := shipper.NewRegistry()

	_, err := registry.Get("nonexistent")
	assert.True(t, errors.Is(err, shipper.ErrCarrierNotFound))
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestRegistry_NamesSorted(t *testing.T) {
	registry := shipper.NewRegistry()
	registry.Register(mock.New("purolator"))
	registry.Register(mock.New("freightcom"))
	registry.Register(mock.New("canadapost"))

	assert.Equal(t, []string{"canadapost", "freightcom", "purolator"}, registry.Names())
}

func TestMock_OrderLifecycle(t *testing.T) {
	carrier := mock.New("freightcom")
	ctx := provider.WithBearer(context.Background(), "tok-1")

	order, err := carrier.CreateOrder(ctx, &shipper.CreateOrderRequest{RateID: "STANDARD"})
	require.NoError(t, err)
	assert.Equal(t, "booked", order.CarrierStatus)

	tracked, err := carrier.Track(ctx, &shipper.TrackRequest{OrderID: order.OrderID})
	require.NoError(t, err)
	assert.Equal(t, order.TrackingNumber, tracked.TrackingNumber)

	cancelled, err := carrier.CancelOrder(ctx, &shipper.CancelOrderRequest{OrderID: order.OrderID})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.CarrierStatus)

	_, err = carrier.Track(ctx, &shipper.TrackRequest{OrderID: "missing"})
	assert.Equal(t, provider.KindValidationFailed, provider.KindOf(err))

	assert.Equal(t, []string{"tok-1", "tok-1", "tok-1", "tok-1"}, carrier.Bearers())
	assert.Equal(t, 2, carrier.Calls("track"))
}

func TestMock_FailNext(t *testing.T) {
	carrier := mock.New("freightcom")
	boom := provider.New("freightcom", provider.KindProviderUnavailable, "HTTP_503", "down")
	carrier.FailNext(boom)

	_, err := carrier.GetQuote(context.Background(), &shipper.QuoteRequest{Packages: []shipper.Package{{Weight: 1}}})
	assert.ErrorIs(t, err, boom)

	quote, err := carrier.GetQuote(context.Background(), &shipper.QuoteRequest{Packages: []shipper.Package{{Weight: 1}}})
	require.NoError(t, err)
	assert.Len(t, quote.Rates, 2)
}
