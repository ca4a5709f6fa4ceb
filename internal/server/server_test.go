package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/gatekeeper/internal/breaker"
	"github.com/tournevent/gatekeeper/internal/config"
	"github.com/tournevent/gatekeeper/internal/database"
	"github.com/tournevent/gatekeeper/internal/gateway"
	"github.com/tournevent/gatekeeper/internal/idempotency"
	"github.com/tournevent/gatekeeper/internal/ratelimit"
	"github.com/tournevent/gatekeeper/internal/retry"
	"github.com/tournevent/gatekeeper/internal/server"
	"github.com/tournevent/gatekeeper/internal/shipping"
	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/tournevent/gatekeeper/internal/webhook"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"github.com/tournevent/gatekeeper/pkg/shipper/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

const webhookSecret = "whsec_test"

type staticTokens struct{}

func (staticTokens) GetValidToken(context.Context, string, string) (vault.Token, error) {
	return vault.Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (staticTokens) RefreshToken(context.Context, string, string, string) (vault.Token, error) {
	return vault.Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type nopQueue struct{}

func (nopQueue) Enqueue(uuid.UUID) bool { return true }

type testServer struct {
	*httptest.Server
	carrier *mock.Client
	limiter *ratelimit.Limiter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := otelzap.New(zap.NewNop())

	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	carrier := mock.New("freightcom")
	limiter := ratelimit.New(ratelimit.NewLocalBackend(), ratelimit.WaitPolicy{}, logger, metrics)
	brk := breaker.New(client, breaker.Config{Threshold: 2, Cooldown: time.Minute}, logger, metrics)
	gw := gateway.New(gateway.Deps{
		Idempotency: idempotency.NewGuard(idempotency.NewDBStore(db), idempotency.Config{}, logger, metrics),
		Breaker:     brk,
		Limiter:     limiter,
		Tokens:      staticTokens{},
		Metrics:     metrics,
	}, gateway.Policy{
		Retry:   retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		Timeout: time.Second,
	}, logger)

	registry := shipper.NewRegistry()
	registry.Register(carrier)
	mapper, err := shipping.NewMapper(nil)
	require.NoError(t, err)

	srv := server.New(server.Config{}, server.Deps{
		Shipping: shipping.NewService(gw, registry, mapper, logger),
		Ingestor: webhook.NewIngestor(db, nopQueue{}, time.Hour, logger, metrics),
		Breaker:  brk,
		Secrets:  &config.Config{WebhookSecrets: map[string]string{"freightcom": webhookSecret}},
		Gatherer: reg,
	}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, carrier: carrier, limiter: limiter}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

const address = `{"name":"%s","line1":"1 Main St","city":"Montreal","province_code":"QC","postal_code":"H2X 1Y4","country_code":"CA"}`

var (
	packages  = `[{"length":30,"width":20,"height":10,"weight":2}]`
	orderBody = fmt.Sprintf(`{"rate_id":"STANDARD","sender":%s,"recipient":%s,"packages":%s}`,
		fmt.Sprintf(address, "Warehouse"), fmt.Sprintf(address, "Customer"), packages)
	quoteBody = fmt.Sprintf(`{"origin":%s,"destination":%s,"packages":%s}`,
		fmt.Sprintf(address, "A"), fmt.Sprintf(address, "B"), packages)
)

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/v1/acme/carriers/freightcom/quotes", quoteBody, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	require.NoError(t, err)
	mresp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gatekeeper_calls_total{operation="get_rate",outcome="success",provider="freightcom"} 1`)
}

func TestServer_CreateOrderIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	key := map[string]string{"Idempotency-Key": "order-1"}

	resp, first := ts.do(t, http.MethodPost, "/v1/acme/carriers/freightcom/orders", orderBody, key)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "confirmed", first["status"])

	resp, second := ts.do(t, http.MethodPost, "/v1/acme/carriers/freightcom/orders", orderBody, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, first["order_id"], second["order_id"])
	assert.Equal(t, 1, ts.carrier.Calls(shipping.OpCreateShipment))

	resp, body := ts.do(t, http.MethodPost, "/v1/acme/carriers/freightcom/orders", orderBody, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "IDEMPOTENCY_KEY_REQUIRED", body["code"])
}

func TestServer_OrderLifecycle(t *testing.T) {
	ts := newTestServer(t)

	_, order := ts.do(t, http.MethodPost, "/v1/acme/carriers/freightcom/orders", orderBody,
		map[string]string{"Idempotency-Key": "order-2"})
	id := order["order_id"].(string)

	resp, tracked := ts.do(t, http.MethodGet, "/v1/acme/carriers/freightcom/orders/"+id+"/tracking", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmed", tracked["status"])

	resp, label := ts.do(t, http.MethodGet, "/v1/acme/carriers/freightcom/orders/"+id+"/label?format=zpl", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, label["labels"], 1)

	resp, cancelled := ts.do(t, http.MethodDelete, "/v1/acme/carriers/freightcom/orders/"+id+"?reason=duplicate", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", cancelled["status"])

	resp, body := ts.do(t, http.MethodGet, "/v1/acme/carriers/freightcom/orders/missing/tracking", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ORDER_NOT_FOUND", body["code"])
}

func TestServer_QuotesFanOut(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/acme/quotes?carriers=freightcom,nowhere", quoteBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["quotes"], 1)
	errs := body["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "nowhere", errs[0].(map[string]any)["carrier"])

	resp, body = ts.do(t, http.MethodGet, "/v1/acme/carriers", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"freightcom"}, body["carriers"])
}

func TestServer_RateLimitedReturns429WithRetryAfter(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.limiter.SetPolicy("freightcom", shipping.OpTrack, ratelimit.PerInterval(1, time.Minute)))

	resp, _ := ts.do(t, http.MethodGet, "/v1/acme/carriers/freightcom/orders/missing/tracking", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/v1/acme/carriers/freightcom/orders/missing/tracking", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, provider.CodeLocalQuota, body["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, 1, ts.carrier.Calls(shipping.OpTrack))
}

func TestServer_CircuitOpensAndAdminResets(t *testing.T) {
	ts := newTestServer(t)
	down := func() error { return provider.New("freightcom", provider.KindProviderUnavailable, "HTTP_503", "down") }
	ts.carrier.FailNext(down(), down())

	for range 2 {
		resp, _ := ts.do(t, http.MethodPost, "/v1/acme/carriers/freightcom/quotes", quoteBody, nil)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}

	resp, body := ts.do(t, http.MethodPost, "/v1/acme/carriers/freightcom/quotes", quoteBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(provider.KindCircuitOpen), body["kind"])
	assert.Equal(t, 2, ts.carrier.Calls(shipping.OpGetRate))

	resp, state := ts.do(t, http.MethodGet, "/admin/breakers/acme/freightcom", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(breaker.StateOpen), state["state"])

	resp, _ = ts.do(t, http.MethodDelete, "/admin/breakers/acme/freightcom", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/v1/acme/carriers/freightcom/quotes", quoteBody, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Webhooks(t *testing.T) {
	ts := newTestServer(t)
	payload := `[{"order_id":"S1","carrier_status":"delivered"}]`
	signed := map[string]string{"X-Signature": webhook.Sign([]byte(payload), webhookSecret)}

	resp, _ := ts.do(t, http.MethodPost, "/webhooks/freightcom/acme/shipment.updated", payload,
		map[string]string{"X-Signature": "sha256=deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/webhooks/unknown/acme/shipment.updated", payload, signed)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, first := ts.do(t, http.MethodPost, "/webhooks/freightcom/acme/shipment.updated", payload, signed)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, first["duplicate"])

	resp, again := ts.do(t, http.MethodPost, "/webhooks/freightcom/acme/shipment.updated", payload, signed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, again["duplicate"])
	assert.NotEqual(t, first["event_id"], again["event_id"])
}
