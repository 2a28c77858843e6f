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
	ordersCollection = "orders"
	// initialVersion is stored on insert; every successful Update increments it.
	initialVersion int64 = 1
)

// OrderRepository persists orders in Firestore with version-checked updates.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Insert stores a new order. The ID must be unique.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if err := r.base.Create(ctx, orderID, newOrderDocument(order)); err != nil {
		return err
	}
	return nil
}

// Update writes the order when the stored version still matches expectedVersion.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	var stored domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.base.TxGet(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.NewConflictError("orders.update",
				fmt.Errorf("order %s version %d does not match expected %d", orderID, current.Data.Version, expectedVersion))
		}
		next := order
		next.Version = expectedVersion + 1
		if err := r.base.TxSet(ctx, tx, orderID, encodeOrderDocument(next)); err != nil {
			return err
		}
		stored = next
		return nil
	}, pfirestore.WithTxAttempts(1))
	if err != nil {
		return domain.Order{}, err
	}
	return stored, nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(doc.ID, doc.Data), nil
}

// FindByNumber looks an order up by its human readable number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.findOne(ctx, "orderNumber", strings.ToUpper(strings.TrimSpace(orderNumber)))
}

// FindByTrackingCode looks an order up by its public tracking code.
func (r *OrderRepository) FindByTrackingCode(ctx context.Context, trackingCode string) (domain.Order, error) {
	return r.findOne(ctx, "trackingCode", strings.ToUpper(strings.TrimSpace(trackingCode)))
}

func (r *OrderRepository) findOne(ctx context.Context, field, value string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if value == "" {
		return domain.Order{}, fmt.Errorf("order repository: %s is required", field)
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NewNotFoundError("orders.find_by_"+field, fmt.Errorf("no order with %s %q", field, value))
	}
	return decodeOrderDocument(docs[0].ID, docs[0].Data), nil
}

// List returns orders ordered by creation time, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit, fetchLimit := pageWindow(filter.Pagination.PageSize)

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		ts, docID, err := decodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{ts, docID}
	}

	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		if status.Valid() {
			statuses = append(statuses, string(status))
		}
	}
	customerID := strings.TrimSpace(filter.CustomerID)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if customerID != "" {
			q = q.Where("customerId", "==", customerID)
		}
		switch {
		case len(statuses) == 1:
			q = q.Where("status", "==", statuses[0])
		case len(statuses) > 1:
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[limit-1]
		nextToken, err = encodeTimeCursor(last.Data.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		docs = docs[:limit]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeOrderDocument(doc.ID, doc.Data))
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: nextToken}, nil
}

// Delete removes the order document.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	return r.base.Delete(ctx, orderID, firestore.Exists)
}

type orderDocument struct {
	OrderNumber       string                `firestore:"orderNumber"`
	TrackingCode      string                `firestore:"trackingCode"`
	CustomerID        string                `firestore:"customerId"`
	Customer          customerDocument      `firestore:"customer"`
	ShippingAddress   addressDocument       `firestore:"shippingAddress"`
	Items             []orderItemDocument   `firestore:"items"`
	Status            string                `firestore:"status"`
	StatusHistory     []statusEntryDocument `firestore:"statusHistory"`
	PaymentMethod     string                `firestore:"paymentMethod"`
	PaymentStatus     string                `firestore:"paymentStatus"`
	Pricing           pricingDocument       `firestore:"pricing"`
	EstimatedDelivery time.Time             `firestore:"estimatedDelivery"`
	ActualDelivery    *time.Time            `firestore:"actualDelivery,omitempty"`
	IsUrgent          bool                  `firestore:"isUrgent"`
	TrackingNumber    string                `firestore:"trackingNumber,omitempty"`
	Notes             []orderNoteDocument   `firestore:"notes"`
	CustomerNotes     string                `firestore:"customerNotes,omitempty"`
	CancelReason      string                `firestore:"cancelReason,omitempty"`
	CancelledAt       *time.Time            `firestore:"cancelledAt,omitempty"`
	Version           int64                 `firestore:"version"`
	CreatedAt         time.Time             `firestore:"createdAt"`
	UpdatedAt         time.Time             `firestore:"updatedAt"`
}

type customerDocument struct {
	FirstName string `firestore:"firstName"`
	LastName  string `firestore:"lastName"`
	Email     string `firestore:"email,omitempty"`
	Phone     string `firestore:"phone,omitempty"`
}

type addressDocument struct {
	Line1        string `firestore:"line1"`
	Line2        string `firestore:"line2,omitempty"`
	City         string `firestore:"city"`
	State        string `firestore:"state,omitempty"`
	PostalCode   string `firestore:"postalCode,omitempty"`
	Country      string `firestore:"country,omitempty"`
	Instructions string `firestore:"instructions,omitempty"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId,omitempty"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
	ImageURL  string `firestore:"imageUrl,omitempty"`
}

type statusEntryDocument struct {
	Status           string    `firestore:"status"`
	Timestamp        time.Time `firestore:"timestamp"`
	Note             string    `firestore:"note,omitempty"`
	Location         string    `firestore:"location,omitempty"`
	Actor            string    `firestore:"actor,omitempty"`
	NotificationSent bool      `firestore:"notificationSent"`
}

type pricingDocument struct {
	Currency   string `firestore:"currency"`
	Subtotal   int64  `firestore:"subtotal"`
	Shipping   int64  `firestore:"shipping"`
	Tax        int64  `firestore:"tax"`
	Discount   int64  `firestore:"discount"`
	PaymentFee int64  `firestore:"paymentFee"`
	Total      int64  `firestore:"total"`
}

type orderNoteDocument struct {
	Text      string    `firestore:"text"`
	Private   bool      `firestore:"private"`
	Author    string    `firestore:"author,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := encodeOrderDocument(order)
	doc.Version = initialVersion
	return doc
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:  order.OrderNumber,
		TrackingCode: order.TrackingCode,
		CustomerID:   strings.TrimSpace(order.CustomerID),
		Customer: customerDocument{
			FirstName: order.Customer.FirstName,
			LastName:  order.Customer.LastName,
			Email:     order.Customer.Email,
			Phone:     order.Customer.Phone,
		},
		ShippingAddress: addressDocument{
			Line1:        order.ShippingAddress.Line1,
			Line2:        order.ShippingAddress.Line2,
			City:         order.ShippingAddress.City,
			State:        order.ShippingAddress.State,
			PostalCode:   order.ShippingAddress.PostalCode,
			Country:      order.ShippingAddress.Country,
			Instructions: order.ShippingAddress.Instructions,
		},
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		Pricing: pricingDocument{
			Currency:   order.Pricing.Currency,
			Subtotal:   order.Pricing.Subtotal,
			Shipping:   order.Pricing.Shipping,
			Tax:        order.Pricing.Tax,
			Discount:   order.Pricing.Discount,
			PaymentFee: order.Pricing.PaymentFee,
			Total:      order.Pricing.Total,
		},
		EstimatedDelivery: order.EstimatedDelivery.UTC(),
		ActualDelivery:    utcPtr(order.ActualDelivery),
		IsUrgent:          order.IsUrgent,
		TrackingNumber:    order.TrackingNumber,
		CustomerNotes:     order.CustomerNotes,
		CancelReason:      order.CancelReason,
		CancelledAt:       utcPtr(order.CancelledAt),
		Version:           order.Version,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}
	doc.StatusHistory = make([]statusEntryDocument, 0, len(order.StatusHistory))
	for _, entry := range order.StatusHistory {
		doc.StatusHistory = append(doc.StatusHistory, statusEntryDocument{
			Status:           string(entry.Status),
			Timestamp:        entry.Timestamp.UTC(),
			Note:             entry.Note,
			Location:         entry.Location,
			Actor:            entry.Actor,
			NotificationSent: entry.NotificationSent,
		})
	}
	doc.Notes = make([]orderNoteDocument, 0, len(order.Notes))
	for _, note := range order.Notes {
		doc.Notes = append(doc.Notes, orderNoteDocument{
			Text:      note.Text,
			Private:   note.Private,
			Author:    note.Author,
			CreatedAt: note.CreatedAt.UTC(),
		})
	}
	return doc
}

func decodeOrderDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:           id,
		OrderNumber:  doc.OrderNumber,
		TrackingCode: doc.TrackingCode,
		CustomerID:   doc.CustomerID,
		Customer: domain.CustomerSnapshot{
			FirstName: doc.Customer.FirstName,
			LastName:  doc.Customer.LastName,
			Email:     doc.Customer.Email,
			Phone:     doc.Customer.Phone,
		},
		ShippingAddress: domain.Address{
			Line1:        doc.ShippingAddress.Line1,
			Line2:        doc.ShippingAddress.Line2,
			City:         doc.ShippingAddress.City,
			State:        doc.ShippingAddress.State,
			PostalCode:   doc.ShippingAddress.PostalCode,
			Country:      doc.ShippingAddress.Country,
			Instructions: doc.ShippingAddress.Instructions,
		},
		Status:        domain.OrderStatus(doc.Status),
		PaymentMethod: domain.PaymentMethod(doc.PaymentMethod),
		PaymentStatus: domain.OrderPaymentStatus(doc.PaymentStatus),
		Pricing: domain.OrderPricing{
			Currency:   doc.Pricing.Currency,
			Subtotal:   doc.Pricing.Subtotal,
			Shipping:   doc.Pricing.Shipping,
			Tax:        doc.Pricing.Tax,
			Discount:   doc.Pricing.Discount,
			PaymentFee: doc.Pricing.PaymentFee,
			Total:      doc.Pricing.Total,
		},
		EstimatedDelivery: doc.EstimatedDelivery,
		ActualDelivery:    doc.ActualDelivery,
		IsUrgent:          doc.IsUrgent,
		TrackingNumber:    doc.TrackingNumber,
		CustomerNotes:     doc.CustomerNotes,
		CancelReason:      doc.CancelReason,
		CancelledAt:       doc.CancelledAt,
		Version:           doc.Version,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}
	for _, entry := range doc.StatusHistory {
		order.StatusHistory = append(order.StatusHistory, domain.StatusHistoryEntry{
			Status:           domain.OrderStatus(entry.Status),
			Timestamp:        entry.Timestamp,
			Note:             entry.Note,
			Location:         entry.Location,
			Actor:            entry.Actor,
			NotificationSent: entry.NotificationSent,
		})
	}
	for _, note := range doc.Notes {
		order.Notes = append(order.Notes, domain.OrderNote{
			Text:      note.Text,
			Private:   note.Private,
			Author:    note.Author,
			CreatedAt: note.CreatedAt,
		})
	}
	return order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	value := t.UTC()
	return &value
}
