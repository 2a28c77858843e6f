package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/auth"
	"github.com/medina-market/api/internal/platform/httpx"
	"github.com/medina-market/api/internal/services"
)

const maxWebhookBodySize = 1 << 20

type initiatePaymentRequest struct {
	OrderID   string            `json:"order_id"`
	Method    string            `json:"method"`
	ReturnURL string            `json:"return_url"`
	Metadata  map[string]string `json:"metadata"`
}

type initiatePaymentResponse struct {
	Payment      paymentPayload `json:"payment"`
	RedirectURL  string         `json:"redirect_url,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
}

// PaymentHandlers exposes payment initiation and gateway webhooks.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
	limiter  rateLimiter
}

// PaymentOption customises PaymentHandlers.
type PaymentOption func(*PaymentHandlers)

// WithInitiateRateLimit caps payment initiations per client IP per minute.
func WithInitiateRateLimit(perMinute int, clock func() time.Time) PaymentOption {
	return func(h *PaymentHandlers) {
		h.limiter = newSimpleRateLimiter(perMinute, time.Minute, clock)
	}
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{authn: authn, orders: orders, payments: payments}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /payments.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Post("/", h.initiate)
}

// WebhookRoutes registers the gateway callbacks under /webhooks.
func (h *PaymentHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{gateway}", h.webhook)
}

// GatewayFromRequest extracts the gateway path parameter; used by the signature middleware.
func GatewayFromRequest(r *http.Request) string {
	if gateway := chi.URLParam(r, "gateway"); gateway != "" {
		return gateway
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	return path[strings.LastIndex(path, "/")+1:]
}

func (h *PaymentHandlers) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		w.Header().Set("Retry-After", "60")
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many payment requests", http.StatusTooManyRequests))
		return
	}
	var req initiatePaymentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	cmd := services.InitiatePaymentCommand{
		OrderID:   orderID,
		ReturnURL: strings.TrimSpace(req.ReturnURL),
		Metadata:  req.Metadata,
	}
	if raw := strings.TrimSpace(req.Method); raw != "" {
		method, ok := domain.ParsePaymentMethod(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unsupported payment method", http.StatusBadRequest))
			return
		}
		cmd.Method = method
	}

	identity, signedIn := auth.IdentityFromContext(ctx)
	if signedIn {
		cmd.CustomerID = identity.UID
	} else {
		order, err := h.orders.Get(ctx, orderID)
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		if !order.IsGuest() {
			httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
			return
		}
	}

	result, err := h.payments.Initiate(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, initiatePaymentResponse{
		Payment:      buildPaymentPayload(result.Payment),
		RedirectURL:  result.RedirectURL,
		Instructions: result.Instructions,
	})
}

// webhook acknowledges every delivery the orchestrator stored, matched or not, so gateways stop
// retrying; only rejected or unreadable requests get a 4xx.
func (h *PaymentHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	gateway, ok := domain.ParsePaymentGateway(chi.URLParam(r, "gateway"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "unknown payment gateway", http.StatusNotFound))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read body", http.StatusBadRequest))
		return
	}
	if len(body) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	result, err := h.payments.ReconcileWebhook(ctx, services.WebhookCommand{
		Gateway: gateway,
		Body:    body,
		Header:  r.Header.Clone(),
		Query:   r.URL.Query(),
	})
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			httpx.WriteError(ctx, w, httpx.NewError("webhook_rejected", err.Error(), http.StatusBadRequest))
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"received":   true,
		"event_id":   result.EventID,
		"matched":    result.Matched,
		"payment_id": result.PaymentID,
		"status":     string(result.Status),
		"reason":     result.Reason,
	})
}
