package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/medina-market/api/internal/platform/auth"
	"github.com/medina-market/api/internal/platform/httpx"
	"github.com/medina-market/api/internal/platform/pagination"
	"github.com/medina-market/api/internal/services"
)

const maxJSONBodySize = 32 * 1024

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// requireIdentity writes 401 and returns nil when the request carries no authenticated user.
func requireIdentity(ctx context.Context, w http.ResponseWriter) *auth.Identity {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil
	}
	return identity
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := httpx.DecodeJSON(r, dst, maxJSONBodySize, allowEmpty); err != nil {
		httpx.WriteError(r.Context(), w, httpx.DecodeError(err))
		return false
	}
	return true
}

func writePaginationError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

func pageFrom(params pagination.Params) services.Pagination {
	return services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}
}

// writeServiceError maps service sentinels onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var gwErr *services.GatewayError
	switch {
	case errors.As(err, &gwErr):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", gwErr.Error(), http.StatusBadGateway).
			WithDetails(map[string]any{"gateway": gwErr.Gateway}))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDuplicatePayment):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_payment", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "resource was modified concurrently, retry the request", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}
