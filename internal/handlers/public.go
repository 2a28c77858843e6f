package handlers

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medina-market/api/internal/platform/httpx"
	"github.com/medina-market/api/internal/services"
)

const (
	trackingCacheControl      = "no-store"
	paymentMethodCacheControl = "public, max-age=300"
	maxTrackingCodeLength     = 40
)

// PublicHandlers exposes unauthenticated order tracking and checkout metadata.
type PublicHandlers struct {
	orders   services.OrderService
	payments services.PaymentService
	limiter  rateLimiter
}

// PublicOption customises construction of PublicHandlers.
type PublicOption func(*PublicHandlers)

// WithPublicOrderService injects the order service used for tracking lookups.
func WithPublicOrderService(svc services.OrderService) PublicOption {
	return func(h *PublicHandlers) {
		h.orders = svc
	}
}

// WithPublicPaymentService injects the payment service used to list checkout methods.
func WithPublicPaymentService(svc services.PaymentService) PublicOption {
	return func(h *PublicHandlers) {
		h.payments = svc
	}
}

// WithTrackingRateLimit caps tracking lookups per client IP per minute.
func WithTrackingRateLimit(perMinute int, clock func() time.Time) PublicOption {
	return func(h *PublicHandlers) {
		h.limiter = newSimpleRateLimiter(perMinute, time.Minute, clock)
	}
}

// NewPublicHandlers constructs handlers for public endpoints.
func NewPublicHandlers(opts ...PublicOption) *PublicHandlers {
	h := &PublicHandlers{}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /public endpoints.
func (h *PublicHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/tracking/{code}", h.tracking)
	r.Get("/payment-methods", h.paymentMethods)
}

func (h *PublicHandlers) tracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		w.Header().Set("Retry-After", "60")
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many tracking requests", http.StatusTooManyRequests))
		return
	}
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" || len(code) > maxTrackingCodeLength {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tracking code is invalid", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetByNumberOrTrackingCode(ctx, code)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", trackingCacheControl)
	writeJSONResponse(w, http.StatusOK, map[string]any{"tracking": buildTrackingPayload(order)})
}

func (h *PublicHandlers) paymentMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	w.Header().Set("Cache-Control", paymentMethodCacheControl)
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": buildPaymentMethods(h.payments.AvailableMethods(ctx))})
}

// clientKey relies on middleware.RealIP having rewritten RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
