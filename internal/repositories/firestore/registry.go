package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/medina-market/api/internal/platform/firestore"
	"github.com/medina-market/api/internal/repositories"
)

// Registry bundles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider      *pfirestore.Provider
	orders        *OrderRepository
	payments      *PaymentRepository
	webhookEvents *WebhookEventRepository
	preferences   *NotificationPreferenceRepository
	logs          *NotificationLogRepository
	counters      *CounterRepository
	products      *ProductRepository
	health        repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on top of the shared provider. health may be nil when
// readiness probes are not wired.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	reg := &Registry{provider: provider, health: health}

	var err error
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	if reg.payments, err = NewPaymentRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	if reg.webhookEvents, err = NewWebhookEventRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	if reg.preferences, err = NewNotificationPreferenceRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	if reg.logs, err = NewNotificationLogRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	if reg.products, err = NewProductRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	return reg, nil
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Payments returns the payment repository.
func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }

// WebhookEvents returns the webhook audit repository.
func (r *Registry) WebhookEvents() repositories.WebhookEventRepository { return r.webhookEvents }

// NotificationPreferences returns the preference repository.
func (r *Registry) NotificationPreferences() repositories.NotificationPreferenceRepository {
	return r.preferences
}

// NotificationLogs returns the notification log repository.
func (r *Registry) NotificationLogs() repositories.NotificationLogRepository { return r.logs }

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// Products returns the catalog lookup.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }
