package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/auth"
	"github.com/medina-market/api/internal/platform/httpx"
	"github.com/medina-market/api/internal/platform/pagination"
	"github.com/medina-market/api/internal/services"
)

type createOrderRequest struct {
	Customer        customerPayload          `json:"customer"`
	ShippingAddress addressPayload           `json:"shipping_address"`
	Items           []createOrderItemRequest `json:"items"`
	PaymentMethod   string                   `json:"payment_method"`
	IsUrgent        bool                     `json:"is_urgent"`
	Discount        string                   `json:"discount"`
	CustomerNotes   string                   `json:"customer_notes"`
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	ImageURL  string `json:"image_url"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes checkout submission and the customer's own order endpoints.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
	currency string
	createMW []func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderCurrency sets the currency used to parse decimal amounts in requests.
func WithOrderCurrency(currency string) OrderOption {
	return func(h *OrderHandlers) {
		if c := strings.ToUpper(strings.TrimSpace(currency)); c != "" {
			h.currency = c
		}
	}
}

// WithOrderCreateMiddleware wraps POST /orders, e.g. with the idempotency middleware.
func WithOrderCreateMiddleware(mw ...func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.createMW = append(h.createMW, mw...)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
		currency: domain.DefaultCurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints. Guests may place orders; everything else requires a
// signed-in customer.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(create chi.Router) {
		if h.authn != nil {
			create.Use(h.authn.OptionalFirebaseAuth())
		}
		for _, mw := range h.createMW {
			if mw != nil {
				create.Use(mw)
			}
		}
		create.Post("/", h.createOrder)
	})
	r.Group(func(owned chi.Router) {
		if h.authn != nil {
			owned.Use(h.authn.RequireFirebaseAuth())
		}
		owned.Get("/", h.listOrders)
		owned.Get("/{orderID}", h.getOrder)
		owned.Post("/{orderID}:cancel", h.cancelOrder)
		owned.Get("/{orderID}/payments", h.listPayments)
	})
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	cmd, err := req.toCommand(h.currency)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		cmd.CustomerID = strings.TrimSpace(identity.UID)
		cmd.ActorID = identity.Actor()
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order, false)})
}

func (req createOrderRequest) toCommand(currency string) (services.CreateOrderCommand, error) {
	cmd := services.CreateOrderCommand{
		Customer:        req.Customer.toDomain(),
		ShippingAddress: req.ShippingAddress.toDomain(),
		Items:           make([]services.CreateOrderItem, 0, len(req.Items)),
		IsUrgent:        req.IsUrgent,
		CustomerNotes:   req.CustomerNotes,
	}
	if raw := strings.TrimSpace(req.PaymentMethod); raw != "" {
		method, ok := domain.ParsePaymentMethod(raw)
		if !ok {
			return cmd, errors.New("payment_method: unsupported payment method")
		}
		cmd.PaymentMethod = method
	}
	if raw := strings.TrimSpace(req.Discount); raw != "" {
		discount, err := domain.ParseMoney(raw, currency)
		if err != nil {
			return cmd, fmt.Errorf("discount: %w", err)
		}
		cmd.Discount = discount
	}
	for i, item := range req.Items {
		price, err := domain.ParseMoney(item.UnitPrice, currency)
		if err != nil {
			return cmd, fmt.Errorf("items[%d].unit_price: %w", i, err)
		}
		cmd.Items = append(cmd.Items, services.CreateOrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: price,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}
	return cmd, nil
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		writePaginationError(ctx, w, err)
		return
	}

	page, err := h.orders.ListForCustomer(ctx, identity.UID, pageFrom(params))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}
	var req cancelOrderRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID:    orderID,
		CustomerID: identity.UID,
		Reason:     req.Reason,
		ActorID:    identity.Actor(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled, false)})
}

func (h *OrderHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	order, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	list, err := h.payments.ListForOrder(ctx, order.ID)
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

// loadOwnedOrder resolves the order in the path and hides orders owned by someone else behind 404.
func (h *OrderHandlers) loadOwnedOrder(w http.ResponseWriter, r *http.Request) (services.Order, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return services.Order{}, false
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return services.Order{}, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}
	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return services.Order{}, false
	}
	if order.CustomerID != identity.UID && !identity.IsBackOffice() {
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}
