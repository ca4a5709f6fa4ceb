package telemetry_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/gatekeeper/internal/telemetry"
)

func TestMask(t *testing.T) {
	assert.Equal(t, "", telemetry.Mask(""))
	assert.Equal(t, "***", telemetry.Mask("abc"))
	assert.Equal(t, "eyJhbG…", telemetry.Mask("eyJhbGciOiJIUzI1NiJ9.payload.sig"))
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "error", "bogus"} {
		logger, err := telemetry.NewLogger(level)
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)

	m.RecordCall("freightcom", "create_shipment", "success", 0.2)
	m.RecordCall("freightcom", "create_shipment", "success", 0.1)
	m.RecordReplay("freightcom", "create_shipment")
	m.RecordWebhook("freightcom", "duplicate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("freightcom", "create_shipment", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdempotentReplays.WithLabelValues("freightcom", "create_shipment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookEvents.WithLabelValues("freightcom", "duplicate")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		telemetry.NewMetrics(prometheus.NewRegistry())
		telemetry.NewMetrics(prometheus.NewRegistry())
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.RecordCall("p", "op", "success", 1)
		m.RecordBreakerTransition("p", "open")
		m.RecordRateLimitWait("p", "op")
		m.RecordRateLimitRejection("p", "op")
		m.RecordTokenRefresh("p", "ok")
		m.RecordReplay("p", "op")
		m.RecordWebhook("p", "processed")
	})
}
