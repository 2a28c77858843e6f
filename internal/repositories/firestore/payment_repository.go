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

const (
	paymentsCollection     = "payments"
	paymentLocksCollection = "payment_locks"
)

// PaymentRepository persists payments and the per-order payment lock.
type PaymentRepository struct {
	provider *pfirestore.Provider
	payments *pfirestore.Collection[paymentDocument]
	locks    *pfirestore.Collection[paymentLockDocument]
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository: firestore provider is required")
	}
	return &PaymentRepository{
		provider: provider,
		payments: pfirestore.NewCollection[paymentDocument](provider, paymentsCollection),
		locks:    pfirestore.NewCollection[paymentLockDocument](provider, paymentLocksCollection),
	}, nil
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// InsertWithLock claims payment_locks/{orderID} and stores the payment atomically.
func (r *PaymentRepository) InsertWithLock(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.payments == nil {
		return errors.New("payment repository not initialised")
	}
	paymentID := strings.TrimSpace(payment.ID)
	orderID := strings.TrimSpace(payment.OrderID)
	if paymentID == "" || orderID == "" {
		return errors.New("payment repository: payment id and order id are required")
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		lock, err := r.locks.TxGet(ctx, tx, orderID)
		switch {
		case err == nil:
			holder, holderErr := r.payments.TxGet(ctx, tx, lock.Data.PaymentID)
			if holderErr != nil && !pfirestore.IsNotFound(holderErr) {
				return holderErr
			}
			// a lock whose payment vanished or already finished is stale and may be taken over
			if holderErr == nil && domain.PaymentStatus(holder.Data.Status).Open() {
				return pfirestore.NewConflictError("payments.insert",
					fmt.Errorf("order %s already has open payment %s", orderID, lock.Data.PaymentID))
			}
		case pfirestore.IsNotFound(err):
		default:
			return err
		}

		if err := r.locks.TxSet(ctx, tx, orderID, paymentLockDocument{
			PaymentID: paymentID,
			Reference: payment.Reference,
			CreatedAt: payment.CreatedAt.UTC(),
		}); err != nil {
			return err
		}
		return r.payments.TxCreate(ctx, tx, paymentID, newPaymentDocument(payment))
	}, pfirestore.WithTxAttempts(1))
}

// Update writes the payment when the stored version matches and releases the order lock once the
// payment is no longer open.
func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment, expectedVersion int64) (domain.Payment, error) {
	if r == nil || r.payments == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	paymentID := strings.TrimSpace(payment.ID)
	if paymentID == "" {
		return domain.Payment{}, errors.New("payment repository: payment id is required")
	}

	var stored domain.Payment
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.payments.TxGet(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.NewConflictError("payments.update",
				fmt.Errorf("payment %s version %d does not match expected %d", paymentID, current.Data.Version, expectedVersion))
		}

		var releaseLock bool
		if !payment.Status.Open() {
			lock, err := r.locks.TxGet(ctx, tx, current.Data.OrderID)
			switch {
			case err == nil:
				releaseLock = lock.Data.PaymentID == paymentID
			case pfirestore.IsNotFound(err):
			default:
				return err
			}
		}

		next := payment
		next.Version = expectedVersion + 1
		if err := r.payments.TxSet(ctx, tx, paymentID, encodePaymentDocument(next)); err != nil {
			return err
		}
		if releaseLock {
			if err := r.locks.TxDelete(ctx, tx, current.Data.OrderID); err != nil {
				return err
			}
		}
		stored = next
		return nil
	}, pfirestore.WithTxAttempts(1))
	if err != nil {
		return domain.Payment{}, err
	}
	return stored, nil
}

// FindByID fetches a single payment.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	if r == nil || r.payments == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, errors.New("payment repository: payment id is required")
	}
	doc, err := r.payments.Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return decodePaymentDocument(doc.ID, doc.Data), nil
}

// FindByReference resolves a payment from its locally generated reference.
func (r *PaymentRepository) FindByReference(ctx context.Context, reference string) (domain.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.Payment{}, errors.New("payment repository: reference is required")
	}
	return r.findOne(ctx, "payments.find_by_reference", func(q firestore.Query) firestore.Query {
		return q.Where("reference", "==", reference).Limit(1)
	})
}

// FindByTransactionID resolves a payment from the gateway-assigned transaction id.
func (r *PaymentRepository) FindByTransactionID(ctx context.Context, gateway domain.PaymentGateway, transactionID string) (domain.Payment, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.Payment{}, errors.New("payment repository: transaction id is required")
	}
	return r.findOne(ctx, "payments.find_by_transaction", func(q firestore.Query) firestore.Query {
		return q.Where("gateway", "==", string(gateway)).Where("gatewayTransactionId", "==", transactionID).Limit(1)
	})
}

func (r *PaymentRepository) findOne(ctx context.Context, op string, build pfirestore.QueryBuilder) (domain.Payment, error) {
	if r == nil || r.payments == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	docs, err := r.payments.Query(ctx, build)
	if err != nil {
		return domain.Payment{}, err
	}
	if len(docs) == 0 {
		return domain.Payment{}, pfirestore.NewNotFoundError(op, errors.New("payment not found"))
	}
	return decodePaymentDocument(docs[0].ID, docs[0].Data), nil
}

// ListByOrder returns every payment attempt for the order, oldest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if r == nil || r.payments == nil {
		return nil, errors.New("payment repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("payment repository: order id is required")
	}
	docs, err := r.payments.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	payments := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		payments = append(payments, decodePaymentDocument(doc.ID, doc.Data))
	}
	return payments, nil
}

// ListOpenBefore returns pending or processing payments created before cutoff.
func (r *PaymentRepository) ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	if r == nil || r.payments == nil {
		return nil, errors.New("payment repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	open := []string{string(domain.PaymentStatusPending), string(domain.PaymentStatusProcessing)}
	docs, err := r.payments.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "in", open).
			Where("createdAt", "<", cutoff.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	payments := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		payments = append(payments, decodePaymentDocument(doc.ID, doc.Data))
	}
	return payments, nil
}

type paymentLockDocument struct {
	PaymentID string    `firestore:"paymentId"`
	Reference string    `firestore:"reference"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type paymentDocument struct {
	OrderID              string            `firestore:"orderId"`
	CustomerID           string            `firestore:"customerId,omitempty"`
	CustomerEmail        string            `firestore:"customerEmail,omitempty"`
	Method               string            `firestore:"method"`
	Gateway              string            `firestore:"gateway"`
	Reference            string            `firestore:"reference"`
	GatewayTransactionID string            `firestore:"gatewayTransactionId,omitempty"`
	Amount               int64             `firestore:"amount"`
	NetAmount            int64             `firestore:"netAmount"`
	GatewayFee           int64             `firestore:"gatewayFee"`
	Currency             string            `firestore:"currency"`
	Status               string            `firestore:"status"`
	Attempts             int               `firestore:"attempts"`
	MaxAttempts          int               `firestore:"maxAttempts"`
	Refunds              []refundDocument  `firestore:"refunds"`
	GatewayResponse      string            `firestore:"gatewayResponse,omitempty"`
	WebhookData          string            `firestore:"webhookData,omitempty"`
	RedirectURL          string            `firestore:"redirectUrl,omitempty"`
	Instructions         string            `firestore:"instructions,omitempty"`
	FailureReason        string            `firestore:"failureReason,omitempty"`
	Metadata             map[string]string `firestore:"metadata,omitempty"`
	Version              int64             `firestore:"version"`
	CreatedAt            time.Time         `firestore:"createdAt"`
	UpdatedAt            time.Time         `firestore:"updatedAt"`
	CompletedAt          *time.Time        `firestore:"completedAt,omitempty"`
	FailedAt             *time.Time        `firestore:"failedAt,omitempty"`
}

type refundDocument struct {
	ID              string     `firestore:"id"`
	Amount          int64      `firestore:"amount"`
	Reason          string     `firestore:"reason,omitempty"`
	Status          string     `firestore:"status"`
	RequestedBy     string     `firestore:"requestedBy,omitempty"`
	GatewayRefundID string     `firestore:"gatewayRefundId,omitempty"`
	CreatedAt       time.Time  `firestore:"createdAt"`
	ProcessedAt     *time.Time `firestore:"processedAt,omitempty"`
}

func newPaymentDocument(payment domain.Payment) paymentDocument {
	doc := encodePaymentDocument(payment)
	doc.Version = initialVersion
	return doc
}

func encodePaymentDocument(payment domain.Payment) paymentDocument {
	doc := paymentDocument{
		OrderID:              payment.OrderID,
		CustomerID:           payment.CustomerID,
		CustomerEmail:        payment.CustomerEmail,
		Method:               string(payment.Method),
		Gateway:              string(payment.Gateway),
		Reference:            payment.Reference,
		GatewayTransactionID: payment.GatewayTransactionID,
		Amount:               payment.Amount,
		NetAmount:            payment.NetAmount,
		GatewayFee:           payment.GatewayFee,
		Currency:             payment.Currency,
		Status:               string(payment.Status),
		Attempts:             payment.Attempts,
		MaxAttempts:          payment.MaxAttempts,
		GatewayResponse:      string(payment.GatewayResponse),
		WebhookData:          string(payment.WebhookData),
		RedirectURL:          payment.RedirectURL,
		Instructions:         payment.Instructions,
		FailureReason:        payment.FailureReason,
		Metadata:             payment.Metadata,
		Version:              payment.Version,
		CreatedAt:            payment.CreatedAt.UTC(),
		UpdatedAt:            payment.UpdatedAt.UTC(),
		CompletedAt:          utcPtr(payment.CompletedAt),
		FailedAt:             utcPtr(payment.FailedAt),
	}
	doc.Refunds = make([]refundDocument, 0, len(payment.Refunds))
	for _, refund := range payment.Refunds {
		doc.Refunds = append(doc.Refunds, refundDocument{
			ID:              refund.ID,
			Amount:          refund.Amount,
			Reason:          refund.Reason,
			Status:          string(refund.Status),
			RequestedBy:     refund.RequestedBy,
			GatewayRefundID: refund.GatewayRefundID,
			CreatedAt:       refund.CreatedAt.UTC(),
			ProcessedAt:     utcPtr(refund.ProcessedAt),
		})
	}
	return doc
}

func decodePaymentDocument(id string, doc paymentDocument) domain.Payment {
	payment := domain.Payment{
		ID:                   id,
		OrderID:              doc.OrderID,
		CustomerID:           doc.CustomerID,
		CustomerEmail:        doc.CustomerEmail,
		Method:               domain.PaymentMethod(doc.Method),
		Gateway:              domain.PaymentGateway(doc.Gateway),
		Reference:            doc.Reference,
		GatewayTransactionID: doc.GatewayTransactionID,
		Amount:               doc.Amount,
		NetAmount:            doc.NetAmount,
		GatewayFee:           doc.GatewayFee,
		Currency:             doc.Currency,
		Status:               domain.PaymentStatus(doc.Status),
		Attempts:             doc.Attempts,
		MaxAttempts:          doc.MaxAttempts,
		RedirectURL:          doc.RedirectURL,
		Instructions:         doc.Instructions,
		FailureReason:        doc.FailureReason,
		Metadata:             doc.Metadata,
		Version:              doc.Version,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
		CompletedAt:          doc.CompletedAt,
		FailedAt:             doc.FailedAt,
	}
	if doc.GatewayResponse != "" {
		payment.GatewayResponse = []byte(doc.GatewayResponse)
	}
	if doc.WebhookData != "" {
		payment.WebhookData = []byte(doc.WebhookData)
	}
	for _, refund := range doc.Refunds {
		payment.Refunds = append(payment.Refunds, domain.Refund{
			ID:              refund.ID,
			Amount:          refund.Amount,
			Reason:          refund.Reason,
			Status:          domain.RefundStatus(refund.Status),
			RequestedBy:     refund.RequestedBy,
			GatewayRefundID: refund.GatewayRefundID,
			CreatedAt:       refund.CreatedAt,
			ProcessedAt:     refund.ProcessedAt,
		})
	}
	return payment
}
