package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/auth"
	"github.com/medina-market/api/internal/repositories"
	"github.com/medina-market/api/internal/services"
)

func newAdminRouter(orders services.OrderService, payments services.PaymentService) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(nil, orders, payments).Routes)
	return router
}

func withStaff(req *http.Request) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Email: "ops@medina.tn", Roles: []string{auth.RoleStaff}}))
}

func TestAdminListOrdersAppliesStatusFilter(t *testing.T) {
	var captured repositories.OrderListFilter
	orders := &stubOrderService{
		listAdminFn: func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder("ord_1", "cust-1", domain.OrderStatusShipped)}}, nil
		},
	}
	router := newAdminRouter(orders, nil)

	req := withStaff(httptest.NewRequest(http.MethodGet, "/admin/orders?status=shipped,Delivered&customer_id=cust-1&page_size=10", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Statuses) != 2 || captured.Statuses[0] != domain.OrderStatusShipped || captured.Statuses[1] != domain.OrderStatusDelivered {
		t.Fatalf("unexpected statuses %v", captured.Statuses)
	}
	if captured.CustomerID != "cust-1" || captured.Pagination.PageSize != 10 {
		t.Fatalf("unexpected filter %+v", captured)
	}
}

func TestAdminListOrdersRejectsUnknownStatus(t *testing.T) {
	router := newAdminRouter(&stubOrderService{}, nil)
	req := withStaff(httptest.NewRequest(http.MethodGet, "/admin/orders?status=lost", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminGetOrderIncludesPrivateNotes(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, id string) (services.Order, error) {
			return sampleOrder(id, "cust-1", domain.OrderStatusPending), nil
		},
	}
	router := newAdminRouter(orders, nil)
	req := withStaff(httptest.NewRequest(http.MethodGet, "/admin/orders/ord_1", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "customer flagged for review") {
		t.Fatalf("expected private note for back office, got %s", rr.Body.String())
	}
}

func TestAdminUpdateStatusDefaultsToNotify(t *testing.T) {
	var captured services.TransitionOrderCommand
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.TransitionOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(cmd.OrderID, "cust-1", cmd.Status), nil
		},
	}
	router := newAdminRouter(orders, nil)

	req := withStaff(httptest.NewRequest(http.MethodPut, "/admin/orders/ord_1/status", strings.NewReader(`{"status":"shipped","tracking_number":"RS123TN","location":"Sfax hub"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Status != domain.OrderStatusShipped || !captured.SendNotification {
		t.Fatalf("unexpected transition %+v", captured)
	}
	if captured.TrackingNumber != "RS123TN" || captured.Location != "Sfax hub" || captured.ActorID != "ops@medina.tn" {
		t.Fatalf("unexpected transition details %+v", captured)
	}

	req = withStaff(httptest.NewRequest(http.MethodPut, "/admin/orders/ord_1/status", strings.NewReader(`{"status":"processing","send_notification":false}`)))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || captured.SendNotification {
		t.Fatalf("expected notification suppressed, got %d %+v", rr.Code, captured)
	}
}

func TestAdminUpdateStatusRejectsUnknownStatus(t *testing.T) {
	router := newAdminRouter(&stubOrderService{}, nil)
	req := withStaff(httptest.NewRequest(http.MethodPut, "/admin/orders/ord_1/status", strings.NewReader(`{"status":"teleported"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminCancelIsPrivileged(t *testing.T) {
	var captured services.CancelOrderCommand
	orders := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(cmd.OrderID, "cust-1", domain.OrderStatusCancelled), nil
		},
	}
	router := newAdminRouter(orders, nil)
	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:cancel", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !captured.Admin || captured.CustomerID != "" {
		t.Fatalf("expected admin cancel, got %+v", captured)
	}
}

func TestAdminAddNoteDefaultsToPrivate(t *testing.T) {
	var captured services.AddOrderNoteCommand
	orders := &stubOrderService{
		addNoteFn: func(_ context.Context, cmd services.AddOrderNoteCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(cmd.OrderID, "cust-1", domain.OrderStatusPending), nil
		},
	}
	router := newAdminRouter(orders, nil)
	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/notes", strings.NewReader(`{"text":"fragile items"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if !captured.Private || captured.Text != "fragile items" || captured.Author != "ops@medina.tn" {
		t.Fatalf("unexpected note %+v", captured)
	}
}

func TestAdminDeleteOrder(t *testing.T) {
	var deleted string
	orders := &stubOrderService{
		deleteFn: func(_ context.Context, orderID, _ string) error {
			deleted = orderID
			return nil
		},
	}
	router := newAdminRouter(orders, nil)
	req := withStaff(httptest.NewRequest(http.MethodDelete, "/admin/orders/ord_9", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if deleted != "ord_9" {
		t.Fatalf("unexpected deleted id %q", deleted)
	}
}

func TestAdminRefundParsesAmountInPaymentCurrency(t *testing.T) {
	payment := services.Payment{
		ID:       "pay_1",
		OrderID:  "ord_1",
		Method:   domain.PaymentMethodStripe,
		Gateway:  domain.PaymentGatewayStripe,
		Amount:   5000,
		Currency: "EUR",
		Status:   domain.PaymentStatusCompleted,
	}
	var captured services.RefundCommand
	payments := &stubPaymentService{
		getFn: func(context.Context, string) (services.Payment, error) {
			return payment, nil
		},
		refundFn: func(_ context.Context, cmd services.RefundCommand) (services.RefundOutcome, error) {
			captured = cmd
			refund := domain.Refund{ID: "ref_1", Amount: cmd.Amount, Status: domain.RefundStatusPending}
			updated := payment
			updated.Refunds = []domain.Refund{refund}
			return services.RefundOutcome{Payment: updated, Refund: refund, RemainingAmount: payment.Amount - cmd.Amount}, nil
		},
	}
	router := newAdminRouter(nil, payments)

	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/payments/pay_1/refunds", strings.NewReader(`{"amount":"12.50","reason":"damaged"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Amount != 1250 || captured.Reason != "damaged" || captured.ActorID != "ops@medina.tn" {
		t.Fatalf("unexpected refund command %+v", captured)
	}
	var resp refundResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RemainingAmount != "37.50" || resp.Refund.Amount != "12.50" {
		t.Fatalf("unexpected refund response %+v", resp)
	}
}

func TestAdminRefundRejectsNonPositiveAmount(t *testing.T) {
	payments := &stubPaymentService{
		getFn: func(context.Context, string) (services.Payment, error) {
			return services.Payment{ID: "pay_1", Currency: "TND"}, nil
		},
	}
	router := newAdminRouter(nil, payments)
	for _, amount := range []string{"0", "-1.000", "1.0001"} {
		req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/payments/pay_1/refunds", strings.NewReader(`{"amount":"`+amount+`"}`)))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("amount %s: expected 400, got %d", amount, rr.Code)
		}
	}
}

func TestAdminSettleRefundValidatesStatus(t *testing.T) {
	var captured services.ConfirmRefundCommand
	payments := &stubPaymentService{
		confirmFn: func(_ context.Context, cmd services.ConfirmRefundCommand) (services.Payment, error) {
			captured = cmd
			return services.Payment{ID: cmd.PaymentID, Currency: "TND", Status: domain.PaymentStatusRefunded}, nil
		},
	}
	router := newAdminRouter(nil, payments)

	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/payments/pay_1/refunds/ref_1:settle", strings.NewReader(`{"status":"pending"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for pending, got %d", rr.Code)
	}

	req = withStaff(httptest.NewRequest(http.MethodPost, "/admin/payments/pay_1/refunds/ref_1:settle", strings.NewReader(`{"status":"Completed"}`)))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.PaymentID != "pay_1" || captured.RefundID != "ref_1" || captured.Status != domain.RefundStatusCompleted {
		t.Fatalf("unexpected confirm command %+v", captured)
	}
}

func TestAdminMarkPaidMapsInvalidState(t *testing.T) {
	payments := &stubPaymentService{
		markPaidFn: func(context.Context, string, string) (services.Payment, error) {
			return services.Payment{}, services.ErrInvalidState
		},
	}
	router := newAdminRouter(nil, payments)
	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/payments:mark-paid", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}
