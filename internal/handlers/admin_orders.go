package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/auth"
	"github.com/medina-market/api/internal/platform/httpx"
	"github.com/medina-market/api/internal/platform/pagination"
	"github.com/medina-market/api/internal/repositories"
	"github.com/medina-market/api/internal/services"
)

type updateOrderStatusRequest struct {
	Status           string `json:"status"`
	TrackingNumber   string `json:"tracking_number"`
	Note             string `json:"note"`
	Location         string `json:"location"`
	SendNotification *bool  `json:"send_notification"`
}

type addOrderNoteRequest struct {
	Text    string `json:"text"`
	Private *bool  `json:"private"`
}

type refundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

type settleRefundRequest struct {
	Status string `json:"status"`
}

type refundResponse struct {
	Payment         paymentPayload `json:"payment"`
	Refund          refundPayload  `json:"refund"`
	RemainingAmount string         `json:"remaining_amount"`
}

// AdminOrderHandlers exposes back-office order and payment operations.
type AdminOrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
}

// NewAdminOrderHandlers constructs admin handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders, payments: payments}
}

// Routes registers the /admin endpoints for staff and administrators.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Put("/orders/{orderID}/status", h.updateStatus)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Post("/orders/{orderID}/notes", h.addNote)
	r.Delete("/orders/{orderID}", h.deleteOrder)
	r.Get("/orders/{orderID}/payments", h.listPayments)
	r.Post("/orders/{orderID}/payments:mark-paid", h.markPaid)
	r.Post("/payments/{paymentID}/refunds", h.refund)
	r.Post("/payments/{paymentID}/refunds/{refundID}:settle", h.settleRefund)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{AllowedFilters: []string{"status"}})
	if err != nil {
		writePaginationError(ctx, w, err)
		return
	}
	filter := repositories.OrderListFilter{
		CustomerID: strings.TrimSpace(r.URL.Query().Get("customer_id")),
		Pagination: pageFrom(params),
	}
	for _, raw := range params.Filter("status") {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("unknown status %q", raw), http.StatusBadRequest))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	page, err := h.orders.ListAdmin(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	order, err := h.orders.Get(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, true)})
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req updateOrderStatusRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	status, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}
	notify := true
	if req.SendNotification != nil {
		notify = *req.SendNotification
	}

	order, err := h.orders.Transition(ctx, services.TransitionOrderCommand{
		OrderID:          chi.URLParam(r, "orderID"),
		Status:           status,
		Note:             req.Note,
		Location:         req.Location,
		TrackingNumber:   req.TrackingNumber,
		ActorID:          actorOf(r),
		SendNotification: notify,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, true)})
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req cancelOrderRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
		ActorID: actorOf(r),
		Admin:   true,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, true)})
}

func (h *AdminOrderHandlers) addNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req addOrderNoteRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	private := true
	if req.Private != nil {
		private = *req.Private
	}
	order, err := h.orders.AddNote(ctx, services.AddOrderNoteCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Text:    req.Text,
		Private: private,
		Author:  actorOf(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order, true)})
}

func (h *AdminOrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if err := h.orders.Delete(ctx, chi.URLParam(r, "orderID"), actorOf(r)); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminOrderHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	list, err := h.payments.ListForOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]paymentPayload, 0, len(list))
	for _, payment := range list {
		items = append(items, buildPaymentPayload(payment))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AdminOrderHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	payment, err := h.payments.MarkManualPaid(ctx, chi.URLParam(r, "orderID"), actorOf(r))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payment": buildPaymentPayload(payment)})
}

func (h *AdminOrderHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req refundRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	payment, err := h.payments.Get(ctx, chi.URLParam(r, "paymentID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	var amount int64
	if raw := strings.TrimSpace(req.Amount); raw != "" {
		amount, err = domain.ParseMoney(raw, payment.Currency)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount: "+err.Error(), http.StatusBadRequest))
			return
		}
		if amount <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be greater than zero", http.StatusBadRequest))
			return
		}
	}

	outcome, err := h.payments.Refund(ctx, services.RefundCommand{
		PaymentID: payment.ID,
		Amount:    amount,
		Reason:    req.Reason,
		ActorID:   actorOf(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, refundResponse{
		Payment:         buildPaymentPayload(outcome.Payment),
		Refund:          buildRefundPayload(outcome.Refund, outcome.Payment.Currency),
		RemainingAmount: domain.FormatAmount(outcome.RemainingAmount, outcome.Payment.Currency),
	})
}

func (h *AdminOrderHandlers) settleRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req settleRefundRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	status := domain.RefundStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != domain.RefundStatusCompleted && status != domain.RefundStatusFailed {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be completed or failed", http.StatusBadRequest))
		return
	}
	payment, err := h.payments.ConfirmRefund(ctx, services.ConfirmRefundCommand{
		PaymentID: chi.URLParam(r, "paymentID"),
		RefundID:  chi.URLParam(r, "refundID"),
		Status:    status,
		ActorID:   actorOf(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payment": buildPaymentPayload(payment)})
}

func actorOf(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	return identity.Actor()
}
