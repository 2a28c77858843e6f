package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/repositories"
)

type testRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *testRepoError) Error() string       { return e.msg }
func (e *testRepoError) IsNotFound() bool    { return e.notFound }
func (e *testRepoError) IsConflict() bool    { return e.conflict }
func (e *testRepoError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = (*testRepoError)(nil)

func errRepoNotFound(what string) error {
	return &testRepoError{msg: what + " not found", notFound: true}
}

func errRepoConflict(what string) error {
	return &testRepoError{msg: what + " version conflict", conflict: true}
}

type memoryOrderRepo struct {
	mu          sync.Mutex
	orders      map[string]domain.Order
	updates     int
	beforeWrite func(stored *domain.Order)
}

func newMemoryOrderRepo(orders ...domain.Order) *memoryOrderRepo {
	repo := &memoryOrderRepo{orders: make(map[string]domain.Order)}
	for _, order := range orders {
		if order.Version == 0 {
			order.Version = 1
		}
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *memoryOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return errRepoConflict("order")
	}
	order.Version = 1
	r.orders[order.ID] = order
	return nil
}

func (r *memoryOrderRepo) Update(_ context.Context, order domain.Order, expectedVersion int64) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.orders[order.ID]
	if !ok {
		return domain.Order{}, errRepoNotFound("order")
	}
	if r.beforeWrite != nil {
		hook := r.beforeWrite
		r.beforeWrite = nil
		hook(&stored)
		r.orders[order.ID] = stored
	}
	if stored.Version != expectedVersion {
		return domain.Order{}, errRepoConflict("order")
	}
	order.Version = expectedVersion + 1
	r.orders[order.ID] = order
	r.updates++
	return order, nil
}

func (r *memoryOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, errRepoNotFound("order")
	}
	return cloneOrder(order), nil
}

func (r *memoryOrderRepo) FindByNumber(_ context.Context, number string) (domain.Order, error) {
	return r.findBy(func(o domain.Order) bool { return o.OrderNumber == number })
}

func (r *memoryOrderRepo) FindByTrackingCode(_ context.Context, code string) (domain.Order, error) {
	return r.findBy(func(o domain.Order) bool { return o.TrackingCode == code })
}

func (r *memoryOrderRepo) findBy(match func(domain.Order) bool) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if match(order) {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, errRepoNotFound("order")
}

func (r *memoryOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.Order
	for _, order := range r.orders {
		if filter.CustomerID != "" && order.CustomerID != filter.CustomerID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
			continue
		}
		items = append(items, cloneOrder(order))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

func (r *memoryOrderRepo) Delete(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[orderID]; !ok {
		return errRepoNotFound("order")
	}
	delete(r.orders, orderID)
	return nil
}

func (r *memoryOrderRepo) get(orderID string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOrder(r.orders[orderID])
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.StatusHistory = slices.Clone(order.StatusHistory)
	order.Notes = slices.Clone(order.Notes)
	return order
}

type memoryPaymentRepo struct {
	mu       sync.Mutex
	payments map[string]domain.Payment
	locks    map[string]string
	// afterReferenceLookup runs once the reference lookup has returned its snapshot.
	afterReferenceLookup func()
}

func newMemoryPaymentRepo() *memoryPaymentRepo {
	return &memoryPaymentRepo{payments: make(map[string]domain.Payment), locks: make(map[string]string)}
}

func (r *memoryPaymentRepo) InsertWithLock(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.locks[payment.OrderID]; ok {
		return errRepoConflict("payment lock held by " + holder)
	}
	payment.Version = 1
	r.payments[payment.ID] = payment
	if payment.Status.Open() {
		r.locks[payment.OrderID] = payment.ID
	}
	return nil
}

func (r *memoryPaymentRepo) Update(_ context.Context, payment domain.Payment, expectedVersion int64) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.payments[payment.ID]
	if !ok {
		return domain.Payment{}, errRepoNotFound("payment")
	}
	if stored.Version != expectedVersion {
		return domain.Payment{}, errRepoConflict("payment")
	}
	payment.Version = expectedVersion + 1
	r.payments[payment.ID] = payment
	if !payment.Status.Open() && r.locks[payment.OrderID] == payment.ID {
		delete(r.locks, payment.OrderID)
	}
	return payment, nil
}

func (r *memoryPaymentRepo) FindByID(_ context.Context, paymentID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[paymentID]
	if !ok {
		return domain.Payment{}, errRepoNotFound("payment")
	}
	payment.Refunds = slices.Clone(payment.Refunds)
	return payment, nil
}

func (r *memoryPaymentRepo) FindByReference(_ context.Context, reference string) (domain.Payment, error) {
	payment, err := r.findBy(func(p domain.Payment) bool { return p.Reference == reference })
	if hook := r.afterReferenceLookup; hook != nil {
		r.afterReferenceLookup = nil
		hook()
	}
	return payment, err
}

func (r *memoryPaymentRepo) FindByTransactionID(_ context.Context, gateway domain.PaymentGateway, transactionID string) (domain.Payment, error) {
	return r.findBy(func(p domain.Payment) bool {
		return p.Gateway == gateway && p.GatewayTransactionID == transactionID
	})
}

func (r *memoryPaymentRepo) findBy(match func(domain.Payment) bool) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if match(payment) {
			payment.Refunds = slices.Clone(payment.Refunds)
			return payment, nil
		}
	}
	return domain.Payment{}, errRepoNotFound("payment")
}

func (r *memoryPaymentRepo) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, payment := range r.payments {
		if payment.OrderID == orderID {
			out = append(out, payment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryPaymentRepo) ListOpenBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, payment := range r.payments {
		if payment.Status.Open() && payment.CreatedAt.Before(cutoff) {
			out = append(out, payment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryPaymentRepo) get(paymentID string) domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payments[paymentID]
}

func (r *memoryPaymentRepo) lockHolder(orderID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[orderID]
}

type memoryWebhookRepo struct {
	mu     sync.Mutex
	events []domain.WebhookEvent
}

func (r *memoryWebhookRepo) Insert(_ context.Context, event domain.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type memoryPreferenceRepo struct {
	mu    sync.Mutex
	prefs map[string]domain.NotificationPreferences
	saves int
	// beforeSave runs once, ahead of the next Save, outside the lock.
	beforeSave func()
}

func newMemoryPreferenceRepo(prefs ...domain.NotificationPreferences) *memoryPreferenceRepo {
	repo := &memoryPreferenceRepo{prefs: make(map[string]domain.NotificationPreferences)}
	for _, p := range prefs {
		if p.Version == 0 {
			p.Version = 1
		}
		repo.prefs[p.CustomerID] = p
	}
	return repo
}

func (r *memoryPreferenceRepo) Get(_ context.Context, customerID string) (domain.NotificationPreferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefs, ok := r.prefs[customerID]
	if !ok {
		return domain.NotificationPreferences{}, errRepoNotFound("preferences")
	}
	prefs.PushSubscriptions = slices.Clone(prefs.PushSubscriptions)
	return prefs, nil
}

func (r *memoryPreferenceRepo) Save(_ context.Context, prefs domain.NotificationPreferences, expectedVersion int64) (domain.NotificationPreferences, error) {
	if hook := r.beforeSave; hook != nil {
		r.beforeSave = nil
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.prefs[prefs.CustomerID]
	if (ok && stored.Version != expectedVersion) || (!ok && expectedVersion != 0) {
		return domain.NotificationPreferences{}, errRepoConflict("preferences")
	}
	prefs.Version = expectedVersion + 1
	prefs.PushSubscriptions = slices.Clone(prefs.PushSubscriptions)
	r.prefs[prefs.CustomerID] = prefs
	r.saves++
	return prefs, nil
}

type memoryLogRepo struct {
	mu   sync.Mutex
	logs []domain.NotificationLog
}

func (r *memoryLogRepo) Insert(_ context.Context, log domain.NotificationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *memoryLogRepo) FindByID(_ context.Context, logID string) (domain.NotificationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, log := range r.logs {
		if log.ID == logID {
			return log, nil
		}
	}
	return domain.NotificationLog{}, errRepoNotFound("notification log")
}

func (r *memoryLogRepo) MarkRead(_ context.Context, logID string, readAt time.Time) (domain.NotificationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.logs {
		if r.logs[i].ID == logID {
			r.logs[i].ReadAt = &readAt
			r.logs[i].Status = domain.NotificationStatusRead
			return r.logs[i], nil
		}
	}
	return domain.NotificationLog{}, errRepoNotFound("notification log")
}

func (r *memoryLogRepo) ListByCustomer(_ context.Context, customerID string, _ domain.Pagination) (domain.CursorPage[domain.NotificationLog], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.NotificationLog
	for _, log := range r.logs {
		if log.CustomerID == customerID {
			items = append(items, log)
		}
	}
	return domain.CursorPage[domain.NotificationLog]{Items: items}, nil
}

func (r *memoryLogRepo) snapshot() []domain.NotificationLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.logs)
}

type sequenceCounters struct {
	mu   sync.Mutex
	next int
}

func (c *sequenceCounters) NextOrderNumber(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return fmt.Sprintf("ORD-20250106-%06d", c.next), nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (r *recordingEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	calls  []notifierCall
	result DispatchResult
	err    error
}

type notifierCall struct {
	status   domain.OrderStatus
	previous domain.OrderStatus
}

func (n *recordingNotifier) NotifyOrderStatus(_ context.Context, order Order, previous domain.OrderStatus) (DispatchResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifierCall{status: order.Status, previous: previous})
	return n.result, n.err
}

func (n *recordingNotifier) snapshot() []notifierCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.calls)
}

// monday 2025-01-06 09:00 UTC
var fixedNow = time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func seededOrder(id string, status domain.OrderStatus) domain.Order {
	return domain.Order{
		ID:           id,
		OrderNumber:  "ORD-20250106-000001",
		TrackingCode: "TRK0123456789",
		CustomerID:   "cust-1",
		Customer: domain.CustomerSnapshot{
			FirstName: "Amira",
			LastName:  "Ben Salah",
			Email:     "amira@example.tn",
			Phone:     "+21620123456",
		},
		ShippingAddress: domain.Address{Line1: "12 Rue de Marseille", City: "Tunis"},
		Items:           []domain.OrderItem{{Name: "Chechia", UnitPrice: 45000, Quantity: 2}},
		Status:          status,
		StatusHistory: []domain.StatusHistoryEntry{{
			Status:    status,
			Timestamp: fixedNow.Add(-time.Hour),
		}},
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
		PaymentStatus: domain.OrderPaymentUnpaid,
		Pricing: domain.OrderPricing{
			Currency: "TND",
			Subtotal: 90000,
			Shipping: 7000,
			Total:    97000,
		},
		Version:   1,
		CreatedAt: fixedNow.Add(-time.Hour),
		UpdatedAt: fixedNow.Add(-time.Hour),
	}
}
