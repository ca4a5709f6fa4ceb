package shipping_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/gatekeeper/internal/breaker"
	"github.com/tournevent/gatekeeper/internal/gateway"
	"github.com/tournevent/gatekeeper/internal/idempotency"
	"github.com/tournevent/gatekeeper/internal/ratelimit"
	"github.com/tournevent/gatekeeper/internal/retry"
	"github.com/tournevent/gatekeeper/internal/shipping"
	"github.com/tournevent/gatekeeper/internal/status"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"github.com/tournevent/gatekeeper/pkg/shipper/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type staticTokens struct{}

func (staticTokens) GetValidToken(context.Context, string, string) (vault.Token, error) {
	return vault.Token{Value: "tok-static", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (staticTokens) RefreshToken(context.Context, string, string, string) (vault.Token, error) {
	return vault.Token{Value: "tok-static", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newService(t *testing.T, carriers ...*mock.Client) *shipping.Service {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := otelzap.New(zap.NewNop())
	limiter := ratelimit.New(ratelimit.NewRedisBackend(client), ratelimit.WaitPolicy{}, logger, nil)
	registry := shipper.NewRegistry()
	for _, c := range carriers {
		registry.Register(c)
		for _, op := range []string{shipping.OpGetRate, shipping.OpCreateShipment, shipping.OpCancelShipment, shipping.OpTrack, shipping.OpGetLabel} {
			require.NoError(t, limiter.SetPolicy(c.Name(), op, ratelimit.PerInterval(100, time.Second)))
		}
	}

	gw := gateway.New(gateway.Deps{
		Idempotency: idempotency.NewGuard(idempotency.NewRedisStore(client), idempotency.Config{}, logger, nil),
		Breaker:     breaker.New(client, breaker.Config{Threshold: 5, Cooldown: time.Minute}, logger, nil),
		Limiter:     limiter,
		Tokens:      staticTokens{},
	}, gateway.Policy{
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		Timeout: time.Second,
	}, logger)

	mapper, err := shipping.NewMapper(nil)
	require.NoError(t, err)
	return shipping.NewService(gw, registry, mapper, logger)
}

func address(name string) shipper.Address {
	return shipper.Address{
		Name:         name,
		Line1:        "1 Main St",
		City:         "Montreal",
		ProvinceCode: "QC",
		PostalCode:   "H2X 1Y4",
		CountryCode:  "CA",
	}
}

func parcel() []shipper.Package {
	return []shipper.Package{{Length: 30, Width: 20, Height: 10, Weight: 2}}
}

func orderRequest() *shipper.CreateOrderRequest {
	return &shipper.CreateOrderRequest{
		RateID:    "STANDARD",
		Sender:    address("Warehouse"),
		Recipient: address("Customer"),
		Packages:  parcel(),
	}
}

func TestCreateOrder_MapsStatusAndReplays(t *testing.T) {
	carrier := mock.New("freightcom")
	svc := newService(t, carrier)
	ctx := context.Background()

	first, replayed, err := svc.CreateOrder(ctx, "acme", "freightcom", "order-42", orderRequest())
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "booked", first.CarrierStatus)
	assert.Equal(t, shipper.StatusConfirmed, first.Status)

	again, replayed, err := svc.CreateOrder(ctx, "acme", "freightcom", "order-42", orderRequest())
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Equal(t, shipper.StatusConfirmed, again.Status)
	assert.Equal(t, 1, carrier.Calls(shipping.OpCreateShipment))
	assert.Equal(t, []string{"tok-static"}, carrier.Bearers())
}

func TestCreateOrder_RequiresKeyAndValidRequest(t *testing.T) {
	carrier := mock.New("freightcom")
	svc := newService(t, carrier)
	ctx := context.Background()

	_, _, err := svc.CreateOrder(ctx, "acme", "freightcom", "", orderRequest())
	assert.Equal(t, provider.KindValidationFailed, provider.KindOf(err))
	assert.ErrorIs(t, err, shipping.ErrIdempotencyKeyRequired)

	bad := orderRequest()
	bad.Packages = nil
	_, _, err = svc.CreateOrder(ctx, "acme", "freightcom", "k1", bad)
	assert.Equal(t, provider.KindValidationFailed, provider.KindOf(err))

	_, _, err = svc.CreateOrder(ctx, "acme", "unknown", "k2", orderRequest())
	assert.Equal(t, provider.KindValidationFailed, provider.KindOf(err))
	assert.ErrorIs(t, err, shipper.ErrCarrierNotFound)

	assert.Zero(t, carrier.Calls(shipping.OpCreateShipment))
}

func TestCreateOrder_RetriesTransientFailure(t *testing.T) {
	carrier := mock.New("freightcom")
	carrier.FailNext(provider.New("freightcom", provider.KindProviderUnavailable, "HTTP_503", "down"))
	svc := newService(t, carrier)

	order, _, err := svc.CreateOrder(context.Background(), "acme", "freightcom", "retry-1", orderRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, 2, carrier.Calls(shipping.OpCreateShipment))
}

func TestTrackCancelAndLabel(t *testing.T) {
	carrier := mock.New("freightcom")
	svc := newService(t, carrier)
	ctx := context.Background()

	order, _, err := svc.CreateOrder(ctx, "acme", "freightcom", "order-7", orderRequest())
	require.NoError(t, err)

	tracked, err := svc.Track(ctx, "acme", "freightcom", &shipper.TrackRequest{OrderID: order.OrderID})
	require.NoError(t, err)
	assert.Equal(t, shipper.StatusConfirmed, tracked.Status)
	require.Len(t, tracked.Events, 1)
	assert.Equal(t, shipper.StatusConfirmed, tracked.Events[0].Status)

	label, err := svc.GetLabel(ctx, "acme", "freightcom", &shipper.GetLabelRequest{OrderID: order.OrderID, Format: shipper.LabelZPL})
	require.NoError(t, err)
	require.Len(t, label.Labels, 1)
	assert.Equal(t, shipper.LabelZPL, label.Labels[0].Format)

	cancelled, err := svc.CancelOrder(ctx, "acme", "freightcom", "", &shipper.CancelOrderRequest{OrderID: order.OrderID})
	require.NoError(t, err)
	assert.Equal(t, shipper.StatusCancelled, cancelled.Status)

	_, err = svc.Track(ctx, "acme", "freightcom", &shipper.TrackRequest{OrderID: "missing"})
	assert.Equal(t, provider.KindValidationFailed, provider.KindOf(err))
}

func TestTrack_UnmappedStatusBecomesUnknown(t *testing.T) {
	carrier := mock.New("parcelco")
	svc := newService(t, carrier)
	ctx := context.Background()

	order, _, err := svc.CreateOrder(ctx, "acme", "parcelco", "order-1", orderRequest())
	require.NoError(t, err)
	assert.Equal(t, shipper.StatusUnknown, order.Status)
	assert.Equal(t, "booked", order.CarrierStatus)
}

func TestQuotes_FanOutKeepsPartialResults(t *testing.T) {
	healthy := mock.New("freightcom")
	broken := mock.New("parcelco")
	broken.FailNext(provider.New("parcelco", provider.KindNotServiceable, "NO_SERVICE", "remote area"))
	svc := newService(t, healthy, broken)

	req := &shipper.QuoteRequest{Origin: address("A"), Destination: address("B"), Packages: parcel()}
	quotes, errs := svc.Quotes(context.Background(), "acme", nil, req)

	require.Len(t, quotes, 1)
	assert.Equal(t, "freightcom", quotes[0].Carrier)
	assert.Len(t, quotes[0].Rates, 2)

	require.Len(t, errs, 1)
	var ce *shipping.CarrierError
	require.ErrorAs(t, errs[0], &ce)
	assert.Equal(t, "parcelco", ce.Carrier)
	assert.Equal(t, provider.KindNotServiceable, provider.KindOf(errs[0]))
}

func TestQuotes_NoCarriers(t *testing.T) {
	svc := newService(t)
	quotes, errs := svc.Quotes(context.Background(), "acme", nil, &shipper.QuoteRequest{})
	assert.Empty(t, quotes)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], shipper.ErrCarrierNotFound)
}

func TestNewMapper_OverridesReplaceBuiltInTable(t *testing.T) {
	overrides, err := status.LoadTables(strings.NewReader(`
- provider: freightcom
  statuses:
    - raw: booked
      canonical: pending
`))
	require.NoError(t, err)

	m, err := shipping.NewMapper(overrides)
	require.NoError(t, err)

	got, err := m.Map("freightcom", "booked")
	require.NoError(t, err)
	assert.Equal(t, status.Canonical(shipper.StatusPending), got.Canonical)

	_, err = m.Map("freightcom", "delivered")
	assert.ErrorIs(t, err, status.ErrUnmappedStatus)
}

func TestDefaultTables_AreValid(t *testing.T) {
	tables, err := shipping.DefaultTables()
	require.NoError(t, err)
	require.NotEmpty(t, tables)

	m, err := shipping.NewMapper(nil)
	require.NoError(t, err)
	got, err := m.Map("freightcom", "Delivered")
	require.NoError(t, err)
	assert.True(t, got.IsTerminal)
	assert.Equal(t, status.Canonical(shipper.StatusDelivered), got.Canonical)
}
