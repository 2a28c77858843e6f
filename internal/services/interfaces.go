package services

import (
	"context"
	"net/http"
	"net/url"
	"time"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination              = domain.Pagination
	Order                   = domain.Order
	OrderStatus             = domain.OrderStatus
	Payment                 = domain.Payment
	PaymentMethod           = domain.PaymentMethod
	NotificationPreferences = domain.NotificationPreferences
	NotificationLog         = domain.NotificationLog
	SystemHealthReport      = domain.SystemHealthReport
)

// OrderService drives orders through their fulfillment lifecycle.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Transition(ctx context.Context, cmd TransitionOrderCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	// MarkPaid records a settled payment and confirms a pending order. Repeated calls are no-ops.
	MarkPaid(ctx context.Context, orderID, paymentRef, actorID string) (Order, error)
	SetPaymentStatus(ctx context.Context, orderID string, status domain.OrderPaymentStatus) (Order, error)
	AddNote(ctx context.Context, cmd AddOrderNoteCommand) (Order, error)
	Get(ctx context.Context, orderID string) (Order, error)
	GetByNumberOrTrackingCode(ctx context.Context, code string) (Order, error)
	ListForCustomer(ctx context.Context, customerID string, pager Pagination) (domain.CursorPage[Order], error)
	ListAdmin(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error)
	Delete(ctx context.Context, orderID, actorID string) error
}

// PaymentService orchestrates payment attempts across gateways and manual methods.
type PaymentService interface {
	Initiate(ctx context.Context, cmd InitiatePaymentCommand) (PaymentResult, error)
	ReconcileWebhook(ctx context.Context, cmd WebhookCommand) (WebhookResult, error)
	Refund(ctx context.Context, cmd RefundCommand) (RefundOutcome, error)
	ConfirmRefund(ctx context.Context, cmd ConfirmRefundCommand) (Payment, error)
	MarkManualPaid(ctx context.Context, orderID, actorID string) (Payment, error)
	AvailableMethods(ctx context.Context) []domain.PaymentMethodInfo
	ExpireStale(ctx context.Context, olderThan time.Duration) (ExpireResult, error)
	ListForOrder(ctx context.Context, orderID string) ([]Payment, error)
	Get(ctx context.Context, paymentID string) (Payment, error)
}

// NotificationService fans notifications out to customer channels.
type NotificationService interface {
	Dispatch(ctx context.Context, cmd DispatchCommand) (DispatchResult, error)
	NotifyOrderStatus(ctx context.Context, order Order, previous domain.OrderStatus) (DispatchResult, error)
	MarkRead(ctx context.Context, customerID, logID string) (NotificationLog, error)
	ListLogs(ctx context.Context, customerID string, pager Pagination) (domain.CursorPage[NotificationLog], error)
}

// NotificationPreferenceService manages the per-customer channel matrix and push subscriptions.
type NotificationPreferenceService interface {
	Get(ctx context.Context, customerID string) (NotificationPreferences, error)
	Update(ctx context.Context, cmd UpdatePreferencesCommand) (NotificationPreferences, error)
	Subscribe(ctx context.Context, cmd SubscribePushCommand) (domain.PushSubscription, error)
	Unsubscribe(ctx context.Context, customerID, subscriptionID string) error
	// Deactivate marks subscriptions inactive and drops them from the stored preferences.
	Deactivate(ctx context.Context, customerID string, subscriptionIDs []string) error
}

// CounterService issues human-readable sequence numbers.
type CounterService interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// SystemService aggregates operational endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderNotifier is the slice of NotificationService the order service depends on.
type OrderNotifier interface {
	NotifyOrderStatus(ctx context.Context, order Order, previous domain.OrderStatus) (DispatchResult, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order and payment domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	PaymentID      string         `json:"paymentId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CreateOrderItem is a requested line item.
type CreateOrderItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	ImageURL  string
}

// CreateOrderCommand carries checkout input. Prices are re-validated and totals recomputed.
type CreateOrderCommand struct {
	CustomerID      string
	Customer        domain.CustomerSnapshot
	ShippingAddress domain.Address
	Items           []CreateOrderItem
	PaymentMethod   domain.PaymentMethod
	IsUrgent        bool
	Discount        int64
	CustomerNotes   string
	ActorID         string
}

// TransitionOrderCommand is an administrative status change.
type TransitionOrderCommand struct {
	OrderID          string
	Status           domain.OrderStatus
	Note             string
	Location         string
	TrackingNumber   string
	ActorID          string
	SendNotification bool
}

// CancelOrderCommand cancels an order on behalf of a customer or an administrator.
type CancelOrderCommand struct {
	OrderID    string
	CustomerID string
	Reason     string
	ActorID    string
	Admin      bool
}

// AddOrderNoteCommand appends a note to an order.
type AddOrderNoteCommand struct {
	OrderID string
	Text    string
	Private bool
	Author  string
}

// InitiatePaymentCommand starts a payment attempt for an order.
type InitiatePaymentCommand struct {
	OrderID    string
	CustomerID string
	Method     domain.PaymentMethod
	Customer   domain.CustomerSnapshot
	ReturnURL  string
	Metadata   map[string]string
}

// PaymentResult is returned to the customer after initiation.
type PaymentResult struct {
	Payment      Payment
	RedirectURL  string
	Instructions string
}

// WebhookCommand is a raw gateway callback.
type WebhookCommand struct {
	Gateway domain.PaymentGateway
	Body    []byte
	Header  http.Header
	Query   url.Values
}

// WebhookResult reports how a webhook was handled. Unmatched deliveries are still acknowledged.
type WebhookResult struct {
	EventID   string
	Matched   bool
	PaymentID string
	Status    domain.PaymentStatus
	Reason    string
}

// RefundCommand requests a full or partial refund. Amount zero means the remaining amount.
type RefundCommand struct {
	PaymentID string
	OrderID   string
	Amount    int64
	Reason    string
	ActorID   string
}

// RefundOutcome returns the created refund with the amount still refundable.
type RefundOutcome struct {
	Payment         Payment
	Refund          domain.Refund
	RemainingAmount int64
}

// ConfirmRefundCommand settles a pending refund.
type ConfirmRefundCommand struct {
	PaymentID string
	RefundID  string
	Status    domain.RefundStatus
	ActorID   string
}

// ExpireResult summarises a stale payment sweep.
type ExpireResult struct {
	Scanned int
	Expired int
}

// NotificationContent is the message dispatched to a customer.
type NotificationContent struct {
	Category domain.NotificationCategory
	Title    string
	Message  string
	Priority domain.NotificationPriority
	OrderID  string
	Data     map[string]string
}

// DispatchCommand sends content to a customer on the given channels.
type DispatchCommand struct {
	CustomerID   string
	Notification NotificationContent
	Channels     []domain.NotificationChannel
	// Contact fills addresses missing from stored preferences; guest orders rely on it.
	Contact *NotificationContact
}

// NotificationContact is an explicit delivery address set.
type NotificationContact struct {
	Name  string
	Email string
	Phone string
}

// ChannelResult is the outcome on one channel.
type ChannelResult struct {
	Channel domain.NotificationChannel
	Status  string
	Reason  string
	LogID   string
}

// DispatchResult aggregates per-channel outcomes.
type DispatchResult struct {
	Success  bool
	Skipped  bool
	Reason   string
	Channels []ChannelResult
}

// UpdatePreferencesCommand is a partial preference update; nil fields are left untouched.
type UpdatePreferencesCommand struct {
	CustomerID string
	Email      *string
	Phone      *string
	Locale     *string
	Channels   map[domain.NotificationChannel]ChannelPreferencePatch
	QuietHours *domain.QuietHours
}

// ChannelPreferencePatch updates one row of the channel matrix.
type ChannelPreferencePatch struct {
	Enabled         *bool
	OrderUpdates    *bool
	DeliveryUpdates *bool
	Promotions      *bool
	Newsletter      *bool
}

// SubscribePushCommand registers a device token.
type SubscribePushCommand struct {
	CustomerID string
	Token      string
	Platform   string
}
