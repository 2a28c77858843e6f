package repositories

import (
	"context"
	"time"

	domain "github.com/medina-market/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	WebhookEvents() WebhookEventRepository
	NotificationPreferences() NotificationPreferenceRepository
	NotificationLogs() NotificationLogRepository
	Counters() CounterRepository
	Products() ProductRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order aggregates.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update writes the order only when the stored version equals expectedVersion and returns the
	// stored order with its incremented version. A mismatch yields a RepositoryError with IsConflict.
	Update(ctx context.Context, order domain.Order, expectedVersion int64) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	FindByTrackingCode(ctx context.Context, trackingCode string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	Delete(ctx context.Context, orderID string) error
}

// PaymentRepository persists payment attempts and the per-order lock that keeps at most one open
// payment per order.
type PaymentRepository interface {
	// InsertWithLock stores the payment and claims the order lock in one transaction. When another
	// open payment holds the lock the call fails with IsConflict.
	InsertWithLock(ctx context.Context, payment domain.Payment) error
	// Update writes the payment when the stored version equals expectedVersion. The order lock is
	// released in the same transaction once the payment leaves the open states.
	Update(ctx context.Context, payment domain.Payment, expectedVersion int64) (domain.Payment, error)
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByReference(ctx context.Context, reference string) (domain.Payment, error)
	FindByTransactionID(ctx context.Context, gateway domain.PaymentGateway, transactionID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
	ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error)
}

// WebhookEventRepository stores raw webhook deliveries for audit.
type WebhookEventRepository interface {
	Insert(ctx context.Context, event domain.WebhookEvent) error
}

// NotificationPreferenceRepository persists per-customer notification settings.
type NotificationPreferenceRepository interface {
	// Get returns a RepositoryError with IsNotFound when the customer has no stored preferences.
	Get(ctx context.Context, customerID string) (domain.NotificationPreferences, error)
	// Save writes prefs when the stored version still equals expectedVersion; 0 creates the
	// document. The returned preferences carry the new version.
	Save(ctx context.Context, prefs domain.NotificationPreferences, expectedVersion int64) (domain.NotificationPreferences, error)
}

// NotificationLogRepository stores append-only delivery attempt logs.
type NotificationLogRepository interface {
	Insert(ctx context.Context, log domain.NotificationLog) error
	FindByID(ctx context.Context, logID string) (domain.NotificationLog, error)
	MarkRead(ctx context.Context, logID string, readAt time.Time) (domain.NotificationLog, error)
	ListByCustomer(ctx context.Context, customerID string, pager domain.Pagination) (domain.CursorPage[domain.NotificationLog], error)
}

// ProductRepository resolves catalog products referenced by order items.
type ProductRepository interface {
	Exists(ctx context.Context, productID string) (bool, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	CustomerID string
	Statuses   []domain.OrderStatus
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
