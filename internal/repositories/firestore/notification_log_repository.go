package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/medina-market/api/internal/domain"
	pfirestore "github.com/medina-market/api/internal/platform/firestore"
	"github.com/medina-market/api/internal/repositories"
)

const notificationLogsCollection = "notification_logs"

// NotificationLogRepository stores per-channel delivery attempts.
type NotificationLogRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[notificationLogDocument]
}

// NewNotificationLogRepository constructs a Firestore-backed notification log repository.
func NewNotificationLogRepository(provider *pfirestore.Provider) (*NotificationLogRepository, error) {
	if provider == nil {
		return nil, errors.New("notification log repository: firestore provider is required")
	}
	return &NotificationLogRepository{
		provider: provider,
		base:     pfirestore.NewCollection[notificationLogDocument](provider, notificationLogsCollection),
	}, nil
}

var _ repositories.NotificationLogRepository = (*NotificationLogRepository)(nil)

// Insert appends a log entry.
func (r *NotificationLogRepository) Insert(ctx context.Context, log domain.NotificationLog) error {
	if r == nil || r.base == nil {
		return errors.New("notification log repository not initialised")
	}
	logID := strings.TrimSpace(log.ID)
	if logID == "" {
		return errors.New("notification log repository: log id is required")
	}
	return r.base.Create(ctx, logID, encodeNotificationLog(log))
}

// FindByID fetches a log entry.
func (r *NotificationLogRepository) FindByID(ctx context.Context, logID string) (domain.NotificationLog, error) {
	if r == nil || r.base == nil {
		return domain.NotificationLog{}, errors.New("notification log repository not initialised")
	}
	logID = strings.TrimSpace(logID)
	if logID == "" {
		return domain.NotificationLog{}, errors.New("notification log repository: log id is required")
	}
	doc, err := r.base.Get(ctx, logID)
	if err != nil {
		return domain.NotificationLog{}, err
	}
	return decodeNotificationLog(doc.ID, doc.Data), nil
}

// MarkRead stamps readAt once; later calls return the entry unchanged.
func (r *NotificationLogRepository) MarkRead(ctx context.Context, logID string, readAt time.Time) (domain.NotificationLog, error) {
	if r == nil || r.base == nil {
		return domain.NotificationLog{}, errors.New("notification log repository not initialised")
	}
	logID = strings.TrimSpace(logID)
	if logID == "" {
		return domain.NotificationLog{}, errors.New("notification log repository: log id is required")
	}

	var result domain.NotificationLog
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.base.TxGet(ctx, tx, logID)
		if err != nil {
			return err
		}
		doc := current.Data
		if doc.ReadAt == nil {
			ts := readAt.UTC()
			doc.ReadAt = &ts
			if doc.Status == string(domain.NotificationStatusSent) || doc.Status == string(domain.NotificationStatusDelivered) {
				doc.Status = string(domain.NotificationStatusRead)
			}
			if err := r.base.TxSet(ctx, tx, logID, doc); err != nil {
				return err
			}
		}
		result = decodeNotificationLog(logID, doc)
		return nil
	})
	if err != nil {
		return domain.NotificationLog{}, err
	}
	return result, nil
}

// ListByCustomer returns logs for the customer, newest first.
func (r *NotificationLogRepository) ListByCustomer(ctx context.Context, customerID string, pager domain.Pagination) (domain.CursorPage[domain.NotificationLog], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.NotificationLog]{}, errors.New("notification log repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CursorPage[domain.NotificationLog]{}, errors.New("notification log repository: customer id is required")
	}

	limit, fetchLimit := pageWindow(pager.PageSize)
	var startAfter []any
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		ts, docID, err := decodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.NotificationLog]{}, fmt.Errorf("notification log repository: invalid page token: %w", err)
		}
		startAfter = []any{ts, docID}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("customerId", "==", customerID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.NotificationLog]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[limit-1]
		if nextToken, err = encodeTimeCursor(last.Data.CreatedAt, last.ID); err != nil {
			return domain.CursorPage[domain.NotificationLog]{}, err
		}
		docs = docs[:limit]
	}

	items := make([]domain.NotificationLog, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeNotificationLog(doc.ID, doc.Data))
	}
	return domain.CursorPage[domain.NotificationLog]{Items: items, NextPageToken: nextToken}, nil
}

type notificationLogDocument struct {
	CustomerID    string     `firestore:"customerId"`
	OrderID       string     `firestore:"orderId,omitempty"`
	Channel       string     `firestore:"channel"`
	Category      string     `firestore:"category"`
	Title         string     `firestore:"title"`
	Message       string     `firestore:"message"`
	Priority      string     `firestore:"priority"`
	Status        string     `firestore:"status"`
	SentAt        *time.Time `firestore:"sentAt,omitempty"`
	DeliveredAt   *time.Time `firestore:"deliveredAt,omitempty"`
	FailedAt      *time.Time `firestore:"failedAt,omitempty"`
	ReadAt        *time.Time `firestore:"readAt,omitempty"`
	FailureReason string     `firestore:"failureReason,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
}

func encodeNotificationLog(log domain.NotificationLog) notificationLogDocument {
	return notificationLogDocument{
		CustomerID:    log.CustomerID,
		OrderID:       log.OrderID,
		Channel:       string(log.Channel),
		Category:      string(log.Category),
		Title:         log.Title,
		Message:       log.Message,
		Priority:      string(log.Priority),
		Status:        string(log.Status),
		SentAt:        utcPtr(log.SentAt),
		DeliveredAt:   utcPtr(log.DeliveredAt),
		FailedAt:      utcPtr(log.FailedAt),
		ReadAt:        utcPtr(log.ReadAt),
		FailureReason: log.FailureReason,
		CreatedAt:     log.CreatedAt.UTC(),
	}
}

func decodeNotificationLog(id string, doc notificationLogDocument) domain.NotificationLog {
	return domain.NotificationLog{
		ID:            id,
		CustomerID:    doc.CustomerID,
		OrderID:       doc.OrderID,
		Channel:       domain.NotificationChannel(doc.Channel),
		Category:      domain.NotificationCategory(doc.Category),
		Title:         doc.Title,
		Message:       doc.Message,
		Priority:      domain.NotificationPriority(doc.Priority),
		Status:        domain.NotificationStatus(doc.Status),
		SentAt:        doc.SentAt,
		DeliveredAt:   doc.DeliveredAt,
		FailedAt:      doc.FailedAt,
		ReadAt:        doc.ReadAt,
		FailureReason: doc.FailureReason,
		CreatedAt:     doc.CreatedAt,
	}
}
