package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medina-market/api/internal/platform/auth"
	"github.com/medina-market/api/internal/platform/httpx"
	"github.com/medina-market/api/internal/services"
)

type expireStaleRequest struct {
	OlderThan string `json:"older_than"`
}

// InternalHandlers serves scheduler-triggered maintenance endpoints; the /internal group is
// protected by OIDC middleware.
type InternalHandlers struct {
	payments services.PaymentService
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(payments services.PaymentService) *InternalHandlers {
	return &InternalHandlers{payments: payments}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments:expire-stale", h.expireStale)
}

func (h *InternalHandlers) expireStale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req expireStaleRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	var olderThan time.Duration
	if raw := strings.TrimSpace(req.OlderThan); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "older_than must be a positive duration", http.StatusBadRequest))
			return
		}
		olderThan = parsed
	}

	result, err := h.payments.ExpireStale(ctx, olderThan)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	caller := ""
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok {
		caller = identity.Subject
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"scanned": result.Scanned,
		"expired": result.Expired,
		"caller":  caller,
	})
}
