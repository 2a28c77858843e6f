package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/medina-market/api/internal/domain"
	pfirestore "github.com/medina-market/api/internal/platform/firestore"
	"github.com/medina-market/api/internal/repositories"
)

const webhookEventsCollection = "webhook_events"

// WebhookEventRepository keeps an audit trail of gateway webhook deliveries.
type WebhookEventRepository struct {
	base *pfirestore.Collection[webhookEventDocument]
}

// NewWebhookEventRepository constructs a Firestore-backed webhook event repository.
func NewWebhookEventRepository(provider *pfirestore.Provider) (*WebhookEventRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook event repository: firestore provider is required")
	}
	return &WebhookEventRepository{
		base: pfirestore.NewCollection[webhookEventDocument](provider, webhookEventsCollection),
	}, nil
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

// Insert stores the delivery record.
func (r *WebhookEventRepository) Insert(ctx context.Context, event domain.WebhookEvent) error {
	if r == nil || r.base == nil {
		return errors.New("webhook event repository not initialised")
	}
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		return errors.New("webhook event repository: event id is required")
	}
	return r.base.Create(ctx, eventID, webhookEventDocument{
		Gateway:       string(event.Gateway),
		Reference:     event.Reference,
		TransactionID: event.TransactionID,
		GatewayStatus: event.GatewayStatus,
		PaymentID:     event.PaymentID,
		Matched:       event.Matched,
		Outcome:       event.Outcome,
		Payload:       string(event.Payload),
		ArchivePath:   event.ArchivePath,
		ReceivedAt:    event.ReceivedAt.UTC(),
	})
}

type webhookEventDocument struct {
	Gateway       string    `firestore:"gateway"`
	Reference     string    `firestore:"reference,omitempty"`
	TransactionID string    `firestore:"transactionId,omitempty"`
	GatewayStatus string    `firestore:"gatewayStatus,omitempty"`
	PaymentID     string    `firestore:"paymentId,omitempty"`
	Matched       bool      `firestore:"matched"`
	Outcome       string    `firestore:"outcome"`
	Payload       string    `firestore:"payload"`
	ArchivePath   string    `firestore:"archivePath,omitempty"`
	ReceivedAt    time.Time `firestore:"receivedAt"`
}
