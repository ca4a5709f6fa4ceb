package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tournevent/gatekeeper/internal/breaker"
	"github.com/tournevent/gatekeeper/internal/shipping"
	"github.com/tournevent/gatekeeper/internal/webhook"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// SecretSource resolves webhook shared secrets by provider.
type SecretSource interface {
	WebhookSecret(providerName string) ([]byte, bool)
}

// Config holds server configuration.
type Config struct {
	Port int
	// SignatureHeader carries the webhook HMAC; defaults to X-Signature.
	SignatureHeader string
	// MaxWebhookBytes caps an inbound webhook body; defaults to 1 MiB.
	MaxWebhookBytes int64
}

// Deps are the components served over HTTP.
type Deps struct {
	Shipping *shipping.Service
	Ingestor *webhook.Ingestor
	Breaker  *breaker.Breaker
	Secrets  SecretSource
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP server for the gateway.
type Server struct {
	cfg    Config
	deps   Deps
	logger *otelzap.Logger
}

// New creates a new server instance.
func New(cfg Config, deps Deps, logger *otelzap.Logger) *Server {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature"
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = 1 << 20
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/{tenant}", func(r chi.Router) {
		r.Get("/carriers", s.handleCarriers)
		r.Post("/quotes", s.handleQuotes)
		r.Route("/carriers/{carrier}", func(r chi.Router) {
			r.Post("/quotes", s.handleQuote)
			r.Post("/orders", s.handleCreateOrder)
			r.Delete("/orders/{orderID}", s.handleCancelOrder)
			r.Get("/orders/{orderID}/tracking", s.handleTrack)
			r.Get("/orders/{orderID}/label", s.handleLabel)
		})
	})

	r.Post("/webhooks/{provider}/{tenant}/{topic}", s.handleWebhook)

	r.Get("/admin/breakers/{tenant}/{provider}", s.handleBreakerState)
	r.Delete("/admin/breakers/{tenant}/{provider}", s.handleBreakerReset)

	return r
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
