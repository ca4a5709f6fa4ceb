package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CallsTotal          *prometheus.CounterVec
	CallDuration        *prometheus.HistogramVec
	BreakerTransitions  *prometheus.CounterVec
	RateLimitWaits      *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	TokenRefreshes      *prometheus.CounterVec
	IdempotentReplays   *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
}

// NewMetrics creates Prometheus metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_calls_total",
				Help: "Total number of gateway calls by provider, operation, and outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_call_duration_seconds",
				Help:    "Gateway call duration in seconds by provider and operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_breaker_transitions_total",
				Help: "Circuit breaker transitions by provider and target state",
			},
			[]string{"provider", "state"},
		),
		RateLimitWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_rate_limit_waits_total",
				Help: "Rate limiter acquisitions that had to wait for a token",
			},
			[]string{"provider", "operation"},
		),
		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_rate_limit_rejections_total",
				Help: "Rate limiter acquisitions rejected with RateLimited",
			},
			[]string{"provider", "operation"},
		),
		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_token_refreshes_total",
				Help: "Provider session refreshes by provider and result",
			},
			[]string{"provider", "result"},
		),
		IdempotentReplays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_idempotent_replays_total",
				Help: "Calls answered from a stored idempotent result",
			},
			[]string{"provider", "operation"},
		),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_webhook_events_total",
				Help: "Inbound webhook events by provider and status",
			},
			[]string{"provider", "status"},
		),
	}
}

// RecordCall records a gateway call metric.
func (m *Metrics) RecordCall(providerName, operation, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(providerName, operation, outcome).Inc()
	m.CallDuration.WithLabelValues(providerName, operation).Observe(duration)
}

// RecordBreakerTransition records a breaker moving into state.
func (m *Metrics) RecordBreakerTransition(providerName, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(providerName, state).Inc()
}

// RecordRateLimitWait records an acquisition that waited for refill.
func (m *Metrics) RecordRateLimitWait(providerName, operation string) {
	if m == nil {
		return
	}
	m.RateLimitWaits.WithLabelValues(providerName, operation).Inc()
}

// RecordRateLimitRejection records an acquisition that gave up.
func (m *Metrics) RecordRateLimitRejection(providerName, operation string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(providerName, operation).Inc()
}

// RecordTokenRefresh records a session refresh attempt.
func (m *Metrics) RecordTokenRefresh(providerName, result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(providerName, result).Inc()
}

// RecordReplay records an idempotent replay.
func (m *Metrics) RecordReplay(providerName, operation string) {
	if m == nil {
		return
	}
	m.IdempotentReplays.WithLabelValues(providerName, operation).Inc()
}

// RecordWebhook records an inbound webhook event status.
func (m *Metrics) RecordWebhook(providerName, status string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(providerName, status).Inc()
}
