package handlers

import (
	"strings"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/services"
)

type customerPayload struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type addressPayload struct {
	Line1        string `json:"line1"`
	Line2        string `json:"line2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

func (p customerPayload) toDomain() domain.CustomerSnapshot {
	return domain.CustomerSnapshot{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		Phone:     p.Phone,
	}
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		Line1:        p.Line1,
		Line2:        p.Line2,
		City:         p.City,
		State:        p.State,
		PostalCode:   p.PostalCode,
		Country:      p.Country,
		Instructions: p.Instructions,
	}
}

type orderItemPayload struct {
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	ImageURL  string `json:"image_url,omitempty"`
	LineTotal string `json:"line_total"`
}

type orderPricingPayload struct {
	Currency   string `json:"currency"`
	Subtotal   string `json:"subtotal"`
	Shipping   string `json:"shipping"`
	Tax        string `json:"tax"`
	Discount   string `json:"discount"`
	PaymentFee string `json:"payment_fee"`
	Total      string `json:"total"`
}

type historyEntryPayload struct {
	Status           string `json:"status"`
	Timestamp        string `json:"timestamp"`
	Note             string `json:"note,omitempty"`
	Location         string `json:"location,omitempty"`
	Actor            string `json:"actor,omitempty"`
	NotificationSent bool   `json:"notification_sent"`
}

type orderNotePayload struct {
	Text      string `json:"text"`
	Private   bool   `json:"private"`
	Author    string `json:"author,omitempty"`
	CreatedAt string `json:"created_at"`
}

type orderPayload struct {
	ID                string                `json:"id"`
	OrderNumber       string                `json:"order_number"`
	TrackingCode      string                `json:"tracking_code"`
	CustomerID        string                `json:"customer_id,omitempty"`
	Customer          customerPayload       `json:"customer"`
	ShippingAddress   addressPayload        `json:"shipping_address"`
	Items             []orderItemPayload    `json:"items"`
	TotalItems        int                   `json:"total_items"`
	Status            string                `json:"status"`
	StatusHistory     []historyEntryPayload `json:"status_history"`
	PaymentMethod     string                `json:"payment_method"`
	PaymentStatus     string                `json:"payment_status"`
	Pricing           orderPricingPayload   `json:"pricing"`
	EstimatedDelivery string                `json:"estimated_delivery,omitempty"`
	ActualDelivery    string                `json:"actual_delivery,omitempty"`
	IsUrgent          bool                  `json:"is_urgent"`
	TrackingNumber    string                `json:"tracking_number,omitempty"`
	Notes             []orderNotePayload    `json:"notes,omitempty"`
	CustomerNotes     string                `json:"customer_notes,omitempty"`
	CancelReason      string                `json:"cancel_reason,omitempty"`
	CancelledAt       string                `json:"cancelled_at,omitempty"`
	Version           int64                 `json:"version"`
	CreatedAt         string                `json:"created_at"`
	UpdatedAt         string                `json:"updated_at,omitempty"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Currency      string `json:"currency"`
	Total         string `json:"total"`
	TotalItems    int    `json:"total_items"`
	CreatedAt     string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

// buildOrderPayload renders an order; private notes are included only for back-office callers.
func buildOrderPayload(order services.Order, includePrivate bool) orderPayload {
	currency := order.Pricing.Currency
	payload := orderPayload{
		ID:           order.ID,
		OrderNumber:  order.OrderNumber,
		TrackingCode: order.TrackingCode,
		CustomerID:   order.CustomerID,
		Customer: customerPayload{
			FirstName: order.Customer.FirstName,
			LastName:  order.Customer.LastName,
			Email:     order.Customer.Email,
			Phone:     order.Customer.Phone,
		},
		ShippingAddress: addressPayload{
			Line1:        order.ShippingAddress.Line1,
			Line2:        order.ShippingAddress.Line2,
			City:         order.ShippingAddress.City,
			State:        order.ShippingAddress.State,
			PostalCode:   order.ShippingAddress.PostalCode,
			Country:      order.ShippingAddress.Country,
			Instructions: order.ShippingAddress.Instructions,
		},
		Items:         make([]orderItemPayload, 0, len(order.Items)),
		TotalItems:    order.TotalItems(),
		Status:        string(order.Status),
		StatusHistory: make([]historyEntryPayload, 0, len(order.StatusHistory)),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		Pricing: orderPricingPayload{
			Currency:   currency,
			Subtotal:   domain.FormatAmount(order.Pricing.Subtotal, currency),
			Shipping:   domain.FormatAmount(order.Pricing.Shipping, currency),
			Tax:        domain.FormatAmount(order.Pricing.Tax, currency),
			Discount:   domain.FormatAmount(order.Pricing.Discount, currency),
			PaymentFee: domain.FormatAmount(order.Pricing.PaymentFee, currency),
			Total:      domain.FormatAmount(order.Pricing.Total, currency),
		},
		EstimatedDelivery: formatTime(order.EstimatedDelivery),
		ActualDelivery:    formatTimePtr(order.ActualDelivery),
		IsUrgent:          order.IsUrgent,
		TrackingNumber:    order.TrackingNumber,
		CustomerNotes:     order.CustomerNotes,
		CancelReason:      order.CancelReason,
		CancelledAt:       formatTimePtr(order.CancelledAt),
		Version:           order.Version,
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: domain.FormatAmount(item.UnitPrice, currency),
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
			LineTotal: domain.FormatAmount(item.LineTotal(), currency),
		})
	}
	for _, entry := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, historyEntryPayload{
			Status:           string(entry.Status),
			Timestamp:        formatTime(entry.Timestamp),
			Note:             entry.Note,
			Location:         entry.Location,
			Actor:            entry.Actor,
			NotificationSent: entry.NotificationSent,
		})
	}
	for _, note := range order.Notes {
		if note.Private && !includePrivate {
			continue
		}
		payload.Notes = append(payload.Notes, orderNotePayload{
			Text:      note.Text,
			Private:   note.Private,
			Author:    note.Author,
			CreatedAt: formatTime(note.CreatedAt),
		})
	}
	return payload
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Currency:      order.Pricing.Currency,
		Total:         domain.FormatAmount(order.Pricing.Total, order.Pricing.Currency),
		TotalItems:    order.TotalItems(),
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

func buildOrderList(page domain.CursorPage[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	return orderListResponse{Items: items, NextPageToken: strings.TrimSpace(page.NextPageToken)}
}

type trackingStepPayload struct {
	Status    string `json:"status"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
	Timestamp string `json:"timestamp,omitempty"`
	Note      string `json:"note,omitempty"`
	Location  string `json:"location,omitempty"`
}

// trackingPayload is the privacy-reduced public view of an order.
type trackingPayload struct {
	OrderNumber       string                `json:"order_number"`
	TrackingCode      string                `json:"tracking_code"`
	Status            string                `json:"status"`
	CustomerFirstName string                `json:"customer_first_name,omitempty"`
	City              string                `json:"city,omitempty"`
	TotalItems        int                   `json:"total_items"`
	EstimatedDelivery string                `json:"estimated_delivery,omitempty"`
	ActualDelivery    string                `json:"actual_delivery,omitempty"`
	TrackingNumber    string                `json:"tracking_number,omitempty"`
	Steps             []trackingStepPayload `json:"steps"`
	CompletedSteps    int                   `json:"completed_steps"`
	PercentComplete   int                   `json:"percent_complete"`
	Cancelled         bool                  `json:"cancelled"`
}

func buildTrackingPayload(order services.Order) trackingPayload {
	timeline := services.ComputeTrackingTimeline(order)
	payload := trackingPayload{
		OrderNumber:       order.OrderNumber,
		TrackingCode:      order.TrackingCode,
		Status:            string(order.Status),
		CustomerFirstName: order.Customer.FirstName,
		City:              order.ShippingAddress.City,
		TotalItems:        order.TotalItems(),
		EstimatedDelivery: formatTime(order.EstimatedDelivery),
		ActualDelivery:    formatTimePtr(order.ActualDelivery),
		TrackingNumber:    order.TrackingNumber,
		Steps:             make([]trackingStepPayload, 0, len(timeline.Steps)),
		CompletedSteps:    timeline.CompletedSteps,
		PercentComplete:   timeline.PercentComplete,
		Cancelled:         timeline.Cancelled,
	}
	for _, step := range timeline.Steps {
		payload.Steps = append(payload.Steps, trackingStepPayload{
			Status:    string(step.Status),
			Completed: step.Completed,
			Current:   step.Current,
			Timestamp: formatTimePtr(step.Timestamp),
			Note:      step.Note,
			Location:  step.Location,
		})
	}
	return payload
}

type refundPayload struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status"`
	RequestedBy string `json:"requested_by,omitempty"`
	CreatedAt   string `json:"created_at"`
	ProcessedAt string `json:"processed_at,omitempty"`
}

type paymentPayload struct {
	ID                   string          `json:"id"`
	OrderID              string          `json:"order_id"`
	Method               string          `json:"method"`
	Gateway              string          `json:"gateway"`
	Reference            string          `json:"reference"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	Amount               string          `json:"amount"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	Attempts             int             `json:"attempts"`
	RefundedAmount       string          `json:"refunded_amount"`
	RemainingAmount      string          `json:"remaining_amount"`
	Refunds              []refundPayload `json:"refunds,omitempty"`
	RedirectURL          string          `json:"redirect_url,omitempty"`
	Instructions         string          `json:"instructions,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	CreatedAt            string          `json:"created_at"`
	UpdatedAt            string          `json:"updated_at,omitempty"`
	CompletedAt          string          `json:"completed_at,omitempty"`
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	currency := payment.Currency
	payload := paymentPayload{
		ID:                   payment.ID,
		OrderID:              payment.OrderID,
		Method:               string(payment.Method),
		Gateway:              string(payment.Gateway),
		Reference:            payment.Reference,
		GatewayTransactionID: payment.GatewayTransactionID,
		Amount:               domain.FormatAmount(payment.Amount, currency),
		Currency:             currency,
		Status:               string(payment.Status),
		Attempts:             payment.Attempts,
		RefundedAmount:       domain.FormatAmount(payment.RefundedAmount(), currency),
		RemainingAmount:      domain.FormatAmount(payment.RemainingAmount(), currency),
		RedirectURL:          payment.RedirectURL,
		Instructions:         payment.Instructions,
		FailureReason:        payment.FailureReason,
		CreatedAt:            formatTime(payment.CreatedAt),
		UpdatedAt:            formatTime(payment.UpdatedAt),
		CompletedAt:          formatTimePtr(payment.CompletedAt),
	}
	for _, refund := range payment.Refunds {
		payload.Refunds = append(payload.Refunds, buildRefundPayload(refund, currency))
	}
	return payload
}

func buildRefundPayload(refund domain.Refund, currency string) refundPayload {
	return refundPayload{
		ID:          refund.ID,
		Amount:      domain.FormatAmount(refund.Amount, currency),
		Reason:      refund.Reason,
		Status:      string(refund.Status),
		RequestedBy: refund.RequestedBy,
		CreatedAt:   formatTime(refund.CreatedAt),
		ProcessedAt: formatTimePtr(refund.ProcessedAt),
	}
}

type paymentMethodPayload struct {
	Method  string `json:"method"`
	Gateway string `json:"gateway"`
	Manual  bool   `json:"manual"`
	Label   string `json:"label"`
}

func buildPaymentMethods(methods []domain.PaymentMethodInfo) []paymentMethodPayload {
	out := make([]paymentMethodPayload, 0, len(methods))
	for _, info := range methods {
		out = append(out, paymentMethodPayload{
			Method:  string(info.Method),
			Gateway: string(info.Gateway),
			Manual:  info.Manual,
			Label:   info.Label,
		})
	}
	return out
}
