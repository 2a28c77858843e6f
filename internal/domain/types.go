package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the fulfillment lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusPending is the initial state after checkout submission.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment or manual confirmation was received.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the parcel left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the customer received the order.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every order status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// ParseOrderStatus normalises raw input into a known status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	return status, status.Valid()
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further fulfillment progress is expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled:
		return true
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped:
		return false
	default:
		return false
	}
}

// OrderPaymentStatus tracks collection of funds independently from fulfillment.
type OrderPaymentStatus string

const (
	OrderPaymentUnpaid            OrderPaymentStatus = "unpaid"
	OrderPaymentPending           OrderPaymentStatus = "pending"
	OrderPaymentPaid              OrderPaymentStatus = "paid"
	OrderPaymentFailed            OrderPaymentStatus = "failed"
	OrderPaymentRefunded          OrderPaymentStatus = "refunded"
	OrderPaymentPartiallyRefunded OrderPaymentStatus = "partially_refunded"
)

// Valid reports whether the payment status is known.
func (s OrderPaymentStatus) Valid() bool {
	switch s {
	case OrderPaymentUnpaid, OrderPaymentPending, OrderPaymentPaid, OrderPaymentFailed,
		OrderPaymentRefunded, OrderPaymentPartiallyRefunded:
		return true
	default:
		return false
	}
}

// CustomerSnapshot is the denormalised contact captured at checkout.
type CustomerSnapshot struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// FullName joins first and last name.
func (c CustomerSnapshot) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// Address is the shipping address snapshot stored on the order.
type Address struct {
	Line1        string
	Line2        string
	City         string
	State        string
	PostalCode   string
	Country      string
	Instructions string
}

// OrderItem is a line item captured at order time. Prices are never re-derived from the catalog.
type OrderItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	ImageURL  string
}

// LineTotal returns unit price multiplied by quantity.
func (i OrderItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// OrderPricing is the server-computed price breakdown in minor units.
type OrderPricing struct {
	Currency   string
	Subtotal   int64
	Shipping   int64
	Tax        int64
	Discount   int64
	PaymentFee int64
	Total      int64
}

// ComputedTotal recomputes the total from its components.
func (p OrderPricing) ComputedTotal() int64 {
	return p.Subtotal + p.Shipping + p.Tax + p.PaymentFee - p.Discount
}

// StatusHistoryEntry is one append-only audit record of the order lifecycle.
type StatusHistoryEntry struct {
	Status           OrderStatus
	Timestamp        time.Time
	Note             string
	Location         string
	Actor            string
	NotificationSent bool
}

// OrderNote is an internal admin note; Private notes are never exposed to customers.
type OrderNote struct {
	Text      string
	Private   bool
	Author    string
	CreatedAt time.Time
}

// Order is the aggregate root for a checkout submission and its fulfillment record.
type Order struct {
	ID                string
	OrderNumber       string
	TrackingCode      string
	CustomerID        string
	Customer          CustomerSnapshot
	ShippingAddress   Address
	Items             []OrderItem
	Status            OrderStatus
	StatusHistory     []StatusHistoryEntry
	PaymentMethod     PaymentMethod
	PaymentStatus     OrderPaymentStatus
	Pricing           OrderPricing
	EstimatedDelivery time.Time
	ActualDelivery    *time.Time
	IsUrgent          bool
	TrackingNumber    string
	Notes             []OrderNote
	CustomerNotes     string
	CancelReason      string
	CancelledAt       *time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsGuest reports whether the order was placed without a customer account.
func (o Order) IsGuest() bool {
	return strings.TrimSpace(o.CustomerID) == ""
}

// TotalItems sums item quantities.
func (o Order) TotalItems() int {
	total := 0
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}

// LastHistoryEntry returns the most recent status history entry.
func (o Order) LastHistoryEntry() (StatusHistoryEntry, bool) {
	if len(o.StatusHistory) == 0 {
		return StatusHistoryEntry{}, false
	}
	return o.StatusHistory[len(o.StatusHistory)-1], true
}

// IsTerminal reports whether the order reached a final fulfillment state.
func (o Order) IsTerminal() bool {
	return o.Status.Terminal()
}

// IsDeletable reports whether the order may be hard-deleted.
func (o Order) IsDeletable() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusCancelled
}

// TrackingStep is one entry of the public fixed five-step progress view.
type TrackingStep struct {
	Status    OrderStatus
	Completed bool
	Current   bool
	Timestamp *time.Time
	Note      string
	Location  string
}

// TrackingTimeline summarises order progress for tracking pages.
type TrackingTimeline struct {
	Steps           []TrackingStep
	CompletedSteps  int
	PercentComplete int
	Cancelled       bool
}

// Health status values reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
