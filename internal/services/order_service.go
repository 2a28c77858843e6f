package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventPaymentStatus = "order.payment.updated"

	orderIDPrefix      = "ord_"
	trackingCodePrefix = "TRK"
	trackingCodeLength = 10

	urgentDeliveryDays   = 2
	standardDeliveryDays = 4
)

// PricingRules are the server-side pricing parameters in minor units.
type PricingRules struct {
	Currency              string
	ShippingFlat          int64
	FreeShippingThreshold int64
	UrgentSurcharge       int64
	TaxBasisPoints        int64
	PaymentFees           map[domain.PaymentMethod]int64
	ValidateProducts      bool
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Counters    CounterService
	Pricing     PricingRules
	Notifier    OrderNotifier
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	products repositories.ProductRepository
	counters CounterService
	pricing  PricingRules
	notifier OrderNotifier
	events   OrderEventPublisher
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}
	if deps.Pricing.ValidateProducts && deps.Products == nil {
		return nil, errors.New("order service: product repository is required when validating products")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	pricing := deps.Pricing
	if strings.TrimSpace(pricing.Currency) == "" {
		pricing.Currency = domain.DefaultCurrency
	}
	pricing.Currency = strings.ToUpper(strings.TrimSpace(pricing.Currency))

	return &orderService{
		orders:   deps.Orders,
		products: deps.Products,
		counters: deps.Counters,
		pricing:  pricing,
		notifier: deps.Notifier,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if err := s.validateCreate(ctx, &cmd); err != nil {
		return Order{}, err
	}

	now := s.now()
	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		items = append(items, domain.OrderItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		})
	}

	pricing, err := s.price(items, cmd.PaymentMethod, cmd.IsUrgent, cmd.Discount)
	if err != nil {
		return Order{}, err
	}
	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: allocate order number: %w", err)
	}

	deliveryDays := standardDeliveryDays
	if cmd.IsUrgent {
		deliveryDays = urgentDeliveryDays
	}

	actor := strings.TrimSpace(cmd.ActorID)
	order := Order{
		ID:                s.nextOrderID(),
		OrderNumber:       number,
		TrackingCode:      s.nextTrackingCode(),
		CustomerID:        strings.TrimSpace(cmd.CustomerID),
		Customer:          trimCustomer(cmd.Customer),
		ShippingAddress:   trimAddress(cmd.ShippingAddress),
		Items:             items,
		Status:            domain.OrderStatusPending,
		PaymentMethod:     cmd.PaymentMethod,
		PaymentStatus:     domain.OrderPaymentUnpaid,
		Pricing:           pricing,
		EstimatedDelivery: addBusinessDays(now, deliveryDays),
		IsUrgent:          cmd.IsUrgent,
		CustomerNotes:     strings.TrimSpace(cmd.CustomerNotes),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	order.StatusHistory = []domain.StatusHistoryEntry{{
		Status:    domain.OrderStatusPending,
		Timestamp: now,
		Note:      "Order placed",
		Actor:     actor,
	}}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, mapRepositoryError("order", err)
	}
	order.Version = 1

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       actor,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total":         order.Pricing.Total,
			"currency":      order.Pricing.Currency,
			"paymentMethod": string(order.PaymentMethod),
			"guest":         order.IsGuest(),
		},
	})
	s.logger(ctx, "order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"total":       order.Pricing.Total,
	})

	return order, nil
}

func (s *orderService) validateCreate(ctx context.Context, cmd *CreateOrderCommand) error {
	if len(cmd.Items) == 0 {
		return validationError("order must contain at least one item")
	}
	customer := trimCustomer(cmd.Customer)
	if customer.FirstName == "" || customer.LastName == "" {
		return validationError("customer first and last name are required")
	}
	if customer.Email == "" && customer.Phone == "" {
		return validationError("customer email or phone is required")
	}
	if customer.Email != "" {
		if _, err := mail.ParseAddress(customer.Email); err != nil {
			return validationError("customer email %q is invalid", customer.Email)
		}
	}
	address := trimAddress(cmd.ShippingAddress)
	if address.Line1 == "" || address.City == "" {
		return validationError("shipping address line1 and city are required")
	}
	if cmd.Discount < 0 {
		return validationError("discount must not be negative")
	}
	if cmd.Discount > domain.MaxAmount {
		return validationError("discount is out of range")
	}

	if strings.TrimSpace(string(cmd.PaymentMethod)) == "" {
		cmd.PaymentMethod = domain.PaymentMethodCashOnDelivery
	}
	method, ok := domain.ParsePaymentMethod(string(cmd.PaymentMethod))
	if !ok {
		return validationError("unsupported payment method %q", cmd.PaymentMethod)
	}
	cmd.PaymentMethod = method

	for i, item := range cmd.Items {
		if strings.TrimSpace(item.Name) == "" {
			return validationError("item %d: name is required", i)
		}
		if item.Quantity < 1 || item.Quantity > domain.MaxItemQuantity {
			return validationError("item %d: quantity must be between 1 and %d", i, domain.MaxItemQuantity)
		}
		if item.UnitPrice < 0 || item.UnitPrice > domain.MaxAmount {
			return validationError("item %d: unit price is out of range", i)
		}
		productID := strings.TrimSpace(item.ProductID)
		if !s.pricing.ValidateProducts || productID == "" {
			continue
		}
		exists, err := s.products.Exists(ctx, productID)
		if err != nil {
			return mapRepositoryError("product", err)
		}
		if !exists {
			return validationError("item %d: product %q does not exist", i, productID)
		}
	}
	return nil
}

// price computes the breakdown. Discounts are clamped to the subtotal so the total never goes
// negative, and any amount leaving the domain.MaxAmount range is rejected instead of wrapping.
func (s *orderService) price(items []domain.OrderItem, method domain.PaymentMethod, urgent bool, discount int64) (domain.OrderPricing, error) {
	var subtotal int64
	for i, item := range items {
		line, err := domain.MulAmount(item.UnitPrice, int64(item.Quantity))
		if err != nil {
			return domain.OrderPricing{}, validationError("item %d: line total is out of range", i)
		}
		if subtotal, err = domain.AddAmounts(subtotal, line); err != nil {
			return domain.OrderPricing{}, validationError("order subtotal is out of range")
		}
	}

	shipping := s.pricing.ShippingFlat
	if s.pricing.FreeShippingThreshold > 0 && subtotal >= s.pricing.FreeShippingThreshold {
		shipping = 0
	}
	if urgent {
		shipping += s.pricing.UrgentSurcharge
	}

	if discount > subtotal {
		discount = subtotal
	}

	pricing := domain.OrderPricing{
		Currency:   s.pricing.Currency,
		Subtotal:   subtotal,
		Shipping:   shipping,
		Tax:        domain.ApplyBasisPoints(subtotal, s.pricing.TaxBasisPoints),
		Discount:   discount,
		PaymentFee: s.pricing.PaymentFees[method],
	}
	total, err := domain.AddAmounts(pricing.Subtotal, pricing.Shipping, pricing.Tax, pricing.PaymentFee, -pricing.Discount)
	if err != nil {
		return domain.OrderPricing{}, validationError("order total is out of range")
	}
	pricing.Total = total
	return pricing, nil
}

func (s *orderService) Transition(ctx context.Context, cmd TransitionOrderCommand) (Order, error) {
	target, ok := domain.ParseOrderStatus(string(cmd.Status))
	if !ok {
		return Order{}, validationError("unknown order status %q", cmd.Status)
	}
	actor := strings.TrimSpace(cmd.ActorID)

	var previous domain.OrderStatus
	var statusChanged bool
	order, updated, err := s.updateWithRetry(ctx, cmd.OrderID, func(order *Order, now time.Time) (bool, error) {
		previous = order.Status
		changed, appended := applyStatusChange(order, historyChange{
			status:   target,
			note:     cmd.Note,
			location: cmd.Location,
			actor:    actor,
			at:       now,
		})
		statusChanged = changed
		mutated := appended
		if tn := strings.TrimSpace(cmd.TrackingNumber); tn != "" && tn != order.TrackingNumber {
			order.TrackingNumber = tn
			order.UpdatedAt = now
			mutated = true
		}
		return mutated, nil
	})
	if err != nil {
		return Order{}, err
	}
	if !updated || !statusChanged {
		return order, nil
	}

	s.publishStatusChange(ctx, order, previous, actor, map[string]any{"note": strings.TrimSpace(cmd.Note)})
	if cmd.SendNotification {
		order = s.notifyStatus(ctx, order, previous)
	}
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	reason := strings.TrimSpace(cmd.Reason)
	actor := strings.TrimSpace(cmd.ActorID)
	customerID := strings.TrimSpace(cmd.CustomerID)

	var previous domain.OrderStatus
	order, _, err := s.updateWithRetry(ctx, cmd.OrderID, func(order *Order, now time.Time) (bool, error) {
		if !cmd.Admin && (customerID == "" || order.CustomerID != customerID) {
			return false, fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
		}
		if order.Status == domain.OrderStatusCancelled {
			return false, invalidStateError("order %s is already cancelled", order.ID)
		}
		if !cmd.Admin && !customerMayCancel(order.Status) {
			return false, invalidStateError("order %s can no longer be cancelled (status %s)", order.ID, order.Status)
		}

		previous = order.Status
		note := "Order cancelled"
		if reason != "" {
			note = "Order cancelled: " + reason
		}
		order.Notes = append(order.Notes, domain.OrderNote{Text: note, Author: actor, CreatedAt: now})
		order.CancelReason = reason
		applyStatusChange(order, historyChange{
			status: domain.OrderStatusCancelled,
			note:   reason,
			actor:  actor,
			at:     now,
		})
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishStatusChange(ctx, order, previous, actor, map[string]any{"reason": reason, "admin": cmd.Admin})
	return s.notifyStatus(ctx, order, previous), nil
}

func (s *orderService) MarkPaid(ctx context.Context, orderID, paymentRef, actorID string) (Order, error) {
	actor := strings.TrimSpace(actorID)
	paymentRef = strings.TrimSpace(paymentRef)

	var previous domain.OrderStatus
	var advanced bool
	order, updated, err := s.updateWithRetry(ctx, orderID, func(order *Order, now time.Time) (bool, error) {
		previous = order.Status
		advanced = false
		mutated := false
		if order.PaymentStatus != domain.OrderPaymentPaid {
			order.PaymentStatus = domain.OrderPaymentPaid
			order.UpdatedAt = now
			mutated = true
		}
		if order.Status == domain.OrderStatusPending {
			note := "Payment received"
			if paymentRef != "" {
				note += " (" + paymentRef + ")"
			}
			applyStatusChange(order, historyChange{
				status: domain.OrderStatusConfirmed,
				note:   note,
				actor:  actor,
				at:     now,
			})
			advanced = true
			mutated = true
		}
		return mutated, nil
	})
	if err != nil {
		return Order{}, err
	}
	if !updated {
		return order, nil
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentStatus,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       actor,
		OccurredAt:    order.UpdatedAt,
		Metadata:      map[string]any{"paymentStatus": string(order.PaymentStatus), "reference": paymentRef},
	})
	if !advanced {
		return order, nil
	}
	s.publishStatusChange(ctx, order, previous, actor, map[string]any{"reference": paymentRef})
	return s.notifyStatus(ctx, order, previous), nil
}

func (s *orderService) SetPaymentStatus(ctx context.Context, orderID string, status domain.OrderPaymentStatus) (Order, error) {
	if !status.Valid() {
		return Order{}, validationError("unknown payment status %q", status)
	}
	order, updated, err := s.updateWithRetry(ctx, orderID, func(order *Order, now time.Time) (bool, error) {
		if order.PaymentStatus == status {
			return false, nil
		}
		order.PaymentStatus = status
		order.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if updated {
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventPaymentStatus,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			CurrentStatus: string(order.Status),
			OccurredAt:    order.UpdatedAt,
			Metadata:      map[string]any{"paymentStatus": string(status)},
		})
	}
	return order, nil
}

func (s *orderService) AddNote(ctx context.Context, cmd AddOrderNoteCommand) (Order, error) {
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		return Order{}, validationError("note text is required")
	}
	order, _, err := s.updateWithRetry(ctx, cmd.OrderID, func(order *Order, now time.Time) (bool, error) {
		order.Notes = append(order.Notes, domain.OrderNote{
			Text:      text,
			Private:   cmd.Private,
			Author:    strings.TrimSpace(cmd.Author),
			CreatedAt: now,
		})
		order.UpdatedAt = now
		return true, nil
	})
	return order, err
}

func (s *orderService) Get(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, validationError("order id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError("order", err)
	}
	return order, nil
}

// GetByNumberOrTrackingCode accepts either public identifier.
func (s *orderService) GetByNumberOrTrackingCode(ctx context.Context, code string) (Order, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Order{}, validationError("tracking code is required")
	}

	var (
		order Order
		err   error
	)
	switch {
	case strings.HasPrefix(code, "ORD-"):
		order, err = s.orders.FindByNumber(ctx, code)
	case strings.HasPrefix(code, trackingCodePrefix):
		order, err = s.orders.FindByTrackingCode(ctx, code)
	default:
		order, err = s.orders.FindByNumber(ctx, code)
		if isNotFound(err) {
			order, err = s.orders.FindByTrackingCode(ctx, code)
		}
	}
	if err != nil {
		return Order{}, mapRepositoryError("order", err)
	}
	return order, nil
}

func (s *orderService) ListForCustomer(ctx context.Context, customerID string, pager Pagination) (domain.CursorPage[Order], error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CursorPage[Order]{}, validationError("customer id is required")
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{CustomerID: customerID, Pagination: pager})
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError("order", err)
	}
	return page, nil
}

func (s *orderService) ListAdmin(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error) {
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, validationError("unknown order status %q", status)
		}
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError("order", err)
	}
	return page, nil
}

func (s *orderService) Delete(ctx context.Context, orderID, actorID string) error {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.IsDeletable() {
		return invalidStateError("order %s cannot be deleted in status %s", order.ID, order.Status)
	}
	if err := s.orders.Delete(ctx, order.ID); err != nil {
		return mapRepositoryError("order", err)
	}
	s.logger(ctx, "order.deleted", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
		"actor":   strings.TrimSpace(actorID),
	})
	return nil
}

// updateWithRetry loads, mutates and conditionally writes the order, retrying on version
// conflicts. mutate returning false leaves the order untouched.
func (s *orderService) updateWithRetry(ctx context.Context, orderID string, mutate func(*Order, time.Time) (bool, error)) (Order, bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, false, validationError("order id is required")
	}

	var lastErr error
	for attempt := 1; attempt <= maxConflictAttempts; attempt++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, false, mapRepositoryError("order", err)
		}
		changed, err := mutate(&order, s.now())
		if err != nil {
			return Order{}, false, err
		}
		if !changed {
			return order, false, nil
		}
		saved, err := s.orders.Update(ctx, order, order.Version)
		if err == nil {
			return saved, true, nil
		}
		if !isConflict(err) {
			return Order{}, false, mapRepositoryError("order", err)
		}
		lastErr = err
		s.logger(ctx, "order.update.conflict", map[string]any{
			"orderId": orderID,
			"attempt": attempt,
		})
	}
	return Order{}, false, fmt.Errorf("%w: order %s modified concurrently: %v", ErrConflict, orderID, lastErr)
}

// notifyStatus sends the status notification and flags the history entry when delivered.
func (s *orderService) notifyStatus(ctx context.Context, order Order, previous domain.OrderStatus) Order {
	if s.notifier == nil {
		return order
	}
	result, err := s.notifier.NotifyOrderStatus(ctx, order, previous)
	if err != nil {
		s.logger(ctx, "order.notification.failed", map[string]any{
			"orderId": order.ID,
			"status":  string(order.Status),
			"error":   err.Error(),
		})
		return order
	}
	if !result.Success {
		return order
	}

	status := order.Status
	updated, _, err := s.updateWithRetry(ctx, order.ID, func(o *Order, _ time.Time) (bool, error) {
		return markLastNotified(o, status), nil
	})
	if err != nil {
		s.logger(ctx, "order.notification.flag.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}
	return updated
}

func (s *orderService) publishStatusChange(ctx context.Context, order Order, previous domain.OrderStatus, actor string, metadata map[string]any) {
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

// nextTrackingCode takes the random tail of a ULID, already upper-case Crockford base32.
func (s *orderService) nextTrackingCode() string {
	id := ulid.Make().String()
	return trackingCodePrefix + id[len(id)-trackingCodeLength:]
}

func trimCustomer(c domain.CustomerSnapshot) domain.CustomerSnapshot {
	return domain.CustomerSnapshot{
		FirstName: strings.TrimSpace(c.FirstName),
		LastName:  strings.TrimSpace(c.LastName),
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		Phone:     strings.TrimSpace(c.Phone),
	}
}

func trimAddress(a domain.Address) domain.Address {
	return domain.Address{
		Line1:        strings.TrimSpace(a.Line1),
		Line2:        strings.TrimSpace(a.Line2),
		City:         strings.TrimSpace(a.City),
		State:        strings.TrimSpace(a.State),
		PostalCode:   strings.TrimSpace(a.PostalCode),
		Country:      strings.ToUpper(strings.TrimSpace(a.Country)),
		Instructions: strings.TrimSpace(a.Instructions),
	}
}
