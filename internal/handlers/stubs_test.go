package handlers

import (
	"context"
	"errors"
	"time"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/repositories"
	"github.com/medina-market/api/internal/services"
)

var errNotImplemented = errors.New("not implemented")

type stubOrderService struct {
	createFn     func(context.Context, services.CreateOrderCommand) (services.Order, error)
	transitionFn func(context.Context, services.TransitionOrderCommand) (services.Order, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.Order, error)
	addNoteFn    func(context.Context, services.AddOrderNoteCommand) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	lookupFn     func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, string, services.Pagination) (domain.CursorPage[services.Order], error)
	listAdminFn  func(context.Context, repositories.OrderListFilter) (domain.CursorPage[services.Order], error)
	deleteFn     func(context.Context, string, string) error
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) Transition(ctx context.Context, cmd services.TransitionOrderCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) MarkPaid(context.Context, string, string, string) (services.Order, error) {
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) SetPaymentStatus(context.Context, string, domain.OrderPaymentStatus) (services.Order, error) {
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) AddNote(ctx context.Context, cmd services.AddOrderNoteCommand) (services.Order, error) {
	if s.addNoteFn != nil {
		return s.addNoteFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) Get(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) GetByNumberOrTrackingCode(ctx context.Context, code string) (services.Order, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, code)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) ListForCustomer(ctx context.Context, customerID string, pager services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, customerID, pager)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) ListAdmin(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listAdminFn != nil {
		return s.listAdminFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) Delete(ctx context.Context, orderID, actorID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, orderID, actorID)
	}
	return errNotImplemented
}

type stubPaymentService struct {
	initiateFn func(context.Context, services.InitiatePaymentCommand) (services.PaymentResult, error)
	webhookFn  func(context.Context, services.WebhookCommand) (services.WebhookResult, error)
	refundFn   func(context.Context, services.RefundCommand) (services.RefundOutcome, error)
	confirmFn  func(context.Context, services.ConfirmRefundCommand) (services.Payment, error)
	markPaidFn func(context.Context, string, string) (services.Payment, error)
	expireFn   func(context.Context, time.Duration) (services.ExpireResult, error)
	listFn     func(context.Context, string) ([]services.Payment, error)
	getFn      func(context.Context, string) (services.Payment, error)
	methods    []domain.PaymentMethodInfo
}

func (s *stubPaymentService) Initiate(ctx context.Context, cmd services.InitiatePaymentCommand) (services.PaymentResult, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, cmd)
	}
	return services.PaymentResult{}, errNotImplemented
}

func (s *stubPaymentService) ReconcileWebhook(ctx context.Context, cmd services.WebhookCommand) (services.WebhookResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, cmd)
	}
	return services.WebhookResult{}, errNotImplemented
}

func (s *stubPaymentService) Refund(ctx context.Context, cmd services.RefundCommand) (services.RefundOutcome, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.RefundOutcome{}, errNotImplemented
}

func (s *stubPaymentService) ConfirmRefund(ctx context.Context, cmd services.ConfirmRefundCommand) (services.Payment, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.Payment{}, errNotImplemented
}

func (s *stubPaymentService) MarkManualPaid(ctx context.Context, orderID, actorID string) (services.Payment, error) {
	if s.markPaidFn != nil {
		return s.markPaidFn(ctx, orderID, actorID)
	}
	return services.Payment{}, errNotImplemented
}

func (s *stubPaymentService) AvailableMethods(context.Context) []domain.PaymentMethodInfo {
	return s.methods
}

func (s *stubPaymentService) ExpireStale(ctx context.Context, olderThan time.Duration) (services.ExpireResult, error) {
	if s.expireFn != nil {
		return s.expireFn(ctx, olderThan)
	}
	return services.ExpireResult{}, errNotImplemented
}

func (s *stubPaymentService) ListForOrder(ctx context.Context, orderID string) ([]services.Payment, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubPaymentService) Get(ctx context.Context, paymentID string) (services.Payment, error) {
	if s.getFn != nil {
		return s.getFn(ctx, paymentID)
	}
	return services.Payment{}, errNotImplemented
}

type stubPreferenceService struct {
	getFn         func(context.Context, string) (services.NotificationPreferences, error)
	updateFn      func(context.Context, services.UpdatePreferencesCommand) (services.NotificationPreferences, error)
	subscribeFn   func(context.Context, services.SubscribePushCommand) (domain.PushSubscription, error)
	unsubscribeFn func(context.Context, string, string) error
}

func (s *stubPreferenceService) Get(ctx context.Context, customerID string) (services.NotificationPreferences, error) {
	if s.getFn != nil {
		return s.getFn(ctx, customerID)
	}
	return domain.DefaultNotificationPreferences(customerID, time.Time{}), nil
}

func (s *stubPreferenceService) Update(ctx context.Context, cmd services.UpdatePreferencesCommand) (services.NotificationPreferences, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.NotificationPreferences{}, errNotImplemented
}

func (s *stubPreferenceService) Subscribe(ctx context.Context, cmd services.SubscribePushCommand) (domain.PushSubscription, error) {
	if s.subscribeFn != nil {
		return s.subscribeFn(ctx, cmd)
	}
	return domain.PushSubscription{}, errNotImplemented
}

func (s *stubPreferenceService) Unsubscribe(ctx context.Context, customerID, subscriptionID string) error {
	if s.unsubscribeFn != nil {
		return s.unsubscribeFn(ctx, customerID, subscriptionID)
	}
	return errNotImplemented
}

func (s *stubPreferenceService) Deactivate(context.Context, string, []string) error {
	return nil
}

type stubNotificationService struct {
	markReadFn func(context.Context, string, string) (services.NotificationLog, error)
	listFn     func(context.Context, string, services.Pagination) (domain.CursorPage[services.NotificationLog], error)
}

func (s *stubNotificationService) Dispatch(context.Context, services.DispatchCommand) (services.DispatchResult, error) {
	return services.DispatchResult{}, errNotImplemented
}

func (s *stubNotificationService) NotifyOrderStatus(context.Context, services.Order, domain.OrderStatus) (services.DispatchResult, error) {
	return services.DispatchResult{}, errNotImplemented
}

func (s *stubNotificationService) MarkRead(ctx context.Context, customerID, logID string) (services.NotificationLog, error) {
	if s.markReadFn != nil {
		return s.markReadFn(ctx, customerID, logID)
	}
	return services.NotificationLog{}, errNotImplemented
}

func (s *stubNotificationService) ListLogs(ctx context.Context, customerID string, pager services.Pagination) (domain.CursorPage[services.NotificationLog], error) {
	if s.listFn != nil {
		return s.listFn(ctx, customerID, pager)
	}
	return domain.CursorPage[services.NotificationLog]{}, nil
}

var (
	_ services.OrderService                  = (*stubOrderService)(nil)
	_ services.PaymentService                = (*stubPaymentService)(nil)
	_ services.NotificationPreferenceService = (*stubPreferenceService)(nil)
	_ services.NotificationService           = (*stubNotificationService)(nil)
)

func sampleOrder(id, customerID string, status domain.OrderStatus) services.Order {
	placed := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	return services.Order{
		ID:           id,
		OrderNumber:  "ORD-20250106-000001",
		TrackingCode: "TRK0123456789",
		CustomerID:   customerID,
		Customer: domain.CustomerSnapshot{
			FirstName: "Amira",
			LastName:  "Ben Salah",
			Email:     "amira@example.tn",
			Phone:     "+21620123456",
		},
		ShippingAddress: domain.Address{Line1: "12 Rue de Marseille", City: "Tunis", Country: "TN"},
		Items: []domain.OrderItem{
			{ProductID: "prod-1", Name: "Chechia", UnitPrice: 45000, Quantity: 2},
		},
		Status:        status,
		StatusHistory: []domain.StatusHistoryEntry{{Status: domain.OrderStatusPending, Timestamp: placed}},
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
		PaymentStatus: domain.OrderPaymentUnpaid,
		Pricing: domain.OrderPricing{
			Currency: "TND",
			Subtotal: 90000,
			Shipping: 7000,
			Total:    97000,
		},
		Notes: []domain.OrderNote{
			{Text: "call before delivery", Private: false, CreatedAt: placed},
			{Text: "customer flagged for review", Private: true, CreatedAt: placed},
		},
		Version:   1,
		CreatedAt: placed,
		UpdatedAt: placed,
	}
}
