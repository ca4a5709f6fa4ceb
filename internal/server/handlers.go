package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tournevent/gatekeeper/internal/idempotency"
	"github.com/tournevent/gatekeeper/internal/shipping"
	"github.com/tournevent/gatekeeper/internal/webhook"
	"github.com/tournevent/gatekeeper/pkg/provider"
	"github.com/tournevent/gatekeeper/pkg/shipper"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Carrier string `json:"carrier,omitempty"`
}

type quotesResponse struct {
	Quotes []*shipper.QuoteResponse `json:"quotes"`
	Errors []errorResponse          `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	pe, ok := provider.AsError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	if pe.Code == idempotency.CodeInProgress {
		return http.StatusConflict
	}
	switch pe.Kind {
	case provider.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindValidationFailed:
		return http.StatusBadRequest
	case provider.KindNotServiceable:
		return http.StatusUnprocessableEntity
	case provider.KindAuthenticationFailed, provider.KindProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func describe(err error) errorResponse {
	resp := errorResponse{Error: err.Error()}
	var ce *shipping.CarrierError
	if errors.As(err, &ce) {
		resp.Carrier = ce.Carrier
	}
	if pe, ok := provider.AsError(err); ok {
		resp.Kind = string(pe.Kind)
		resp.Code = pe.Code
		if pe.Message != "" {
			resp.Error = pe.Message
		}
	}
	return resp
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if pe, ok := provider.AsError(err); ok && pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Ctx(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, describe(err))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return provider.New("", provider.KindValidationFailed, "INVALID_JSON", err.Error()).WithCause(err)
	}
	return nil
}

func (s *Server) handleCarriers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"carriers": s.deps.Shipping.Carriers()})
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	var req shipper.QuoteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var carriers []string
	if raw := r.URL.Query().Get("carriers"); raw != "" {
		carriers = strings.Split(raw, ",")
	}

	quotes, errs := s.deps.Shipping.Quotes(r.Context(), chi.URLParam(r, "tenant"), carriers, &req)
	resp := quotesResponse{Quotes: quotes}
	for _, err := range errs {
		resp.Errors = append(resp.Errors, describe(err))
	}
	status := http.StatusOK
	if len(quotes) == 0 && len(errs) > 0 {
		status = statusFor(errs[0])
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req shipper.QuoteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Shipping.GetQuote(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "carrier"), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req shipper.CreateOrderRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, replayed, err := s.deps.Shipping.CreateOrder(r.Context(),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "carrier"), r.Header.Get(headerIdempotencyKey), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if replayed {
		w.Header().Set(headerReplayed, "true")
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	req := shipper.CancelOrderRequest{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  r.URL.Query().Get("reason"),
	}
	resp, err := s.deps.Shipping.CancelOrder(r.Context(),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "carrier"), r.Header.Get(headerIdempotencyKey), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Shipping.Track(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "carrier"),
		&shipper.TrackRequest{OrderID: chi.URLParam(r, "orderID")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Shipping.GetLabel(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "carrier"),
		&shipper.GetLabelRequest{
			OrderID: chi.URLParam(r, "orderID"),
			Format:  shipper.LabelFormat(r.URL.Query().Get("format")),
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWebhook acknowledges as soon as the event is stored; processing
// happens on the dispatcher.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	secret, ok := s.deps.Secrets.WebhookSecret(providerName)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown webhook provider"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable payload"})
		return
	}

	ack, err := s.deps.Ingestor.Ingest(r.Context(), webhook.Delivery{
		Provider:  providerName,
		Tenant:    chi.URLParam(r, "tenant"),
		Topic:     chi.URLParam(r, "topic"),
		Payload:   payload,
		Signature: r.Header.Get(s.cfg.SignatureHeader),
		Secret:    string(secret),
	})
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
	case errors.Is(err, webhook.ErrMissingSecret):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown webhook provider"})
	case err != nil:
		s.writeError(w, r, err)
	case ack.Duplicate:
		writeJSON(w, http.StatusOK, ack)
	default:
		writeJSON(w, http.StatusAccepted, ack)
	}
}

func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Breaker.State(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "provider"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	tenant, providerName := chi.URLParam(r, "tenant"), chi.URLParam(r, "provider")
	if err := s.deps.Breaker.Reset(r.Context(), tenant, providerName); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Ctx(r.Context()).Info("Circuit breaker reset",
		zap.String("tenant", tenant), zap.String("provider", providerName))
	w.WriteHeader(http.StatusNoContent)
}
