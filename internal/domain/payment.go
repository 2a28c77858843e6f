package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// PaymentMethod identifies how the customer chose to pay.
type PaymentMethod string

const (
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentMethodBankTransfer   PaymentMethod = "bank_transfer"
	PaymentMethodPaymee         PaymentMethod = "paymee"
	PaymentMethodFlouci         PaymentMethod = "flouci"
	PaymentMethodKonnect        PaymentMethod = "konnect"
	PaymentMethodStripe         PaymentMethod = "stripe"
)

// ParsePaymentMethod normalises raw input into a known payment method.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	return method, method.Valid()
}

// Valid reports whether the method is supported.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCashOnDelivery, PaymentMethodBankTransfer,
		PaymentMethodPaymee, PaymentMethodFlouci, PaymentMethodKonnect, PaymentMethodStripe:
		return true
	default:
		return false
	}
}

// Manual reports whether the method is settled without an external gateway.
func (m PaymentMethod) Manual() bool {
	switch m {
	case PaymentMethodCashOnDelivery, PaymentMethodBankTransfer:
		return true
	case PaymentMethodPaymee, PaymentMethodFlouci, PaymentMethodKonnect, PaymentMethodStripe:
		return false
	default:
		return false
	}
}

// Gateway resolves the gateway that processes the method.
func (m PaymentMethod) Gateway() PaymentGateway {
	switch m {
	case PaymentMethodCashOnDelivery, PaymentMethodBankTransfer:
		return PaymentGatewayInternal
	case PaymentMethodPaymee:
		return PaymentGatewayPaymee
	case PaymentMethodFlouci:
		return PaymentGatewayFlouci
	case PaymentMethodKonnect:
		return PaymentGatewayKonnect
	case PaymentMethodStripe:
		return PaymentGatewayStripe
	default:
		return ""
	}
}

// PaymentGateway names the processor behind a payment.
type PaymentGateway string

const (
	PaymentGatewayInternal PaymentGateway = "internal"
	PaymentGatewayPaymee   PaymentGateway = "paymee"
	PaymentGatewayFlouci   PaymentGateway = "flouci"
	PaymentGatewayKonnect  PaymentGateway = "konnect"
	PaymentGatewayStripe   PaymentGateway = "stripe"
)

// ParsePaymentGateway normalises a gateway name taken from a webhook route.
func ParsePaymentGateway(raw string) (PaymentGateway, bool) {
	gateway := PaymentGateway(strings.ToLower(strings.TrimSpace(raw)))
	switch gateway {
	case PaymentGatewayPaymee, PaymentGatewayFlouci, PaymentGatewayKonnect, PaymentGatewayStripe:
		return gateway, true
	case PaymentGatewayInternal:
		return gateway, false
	default:
		return gateway, false
	}
}

// PaymentStatus is the lifecycle state of a single payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Valid reports whether the status is known.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted,
		PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

// Open reports whether the payment still awaits an outcome.
func (s PaymentStatus) Open() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing:
		return true
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return false
	default:
		return false
	}
}

// RefundStatus tracks settlement of a refund request.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
)

// Valid reports whether the refund status is known.
func (s RefundStatus) Valid() bool {
	switch s {
	case RefundStatusPending, RefundStatusCompleted, RefundStatusFailed:
		return true
	default:
		return false
	}
}

// Refund is a refund sub-record appended to a payment.
type Refund struct {
	ID              string
	Amount          int64
	Reason          string
	Status          RefundStatus
	RequestedBy     string
	GatewayRefundID string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// Payment is a single attempt to collect funds for an order.
type Payment struct {
	ID                   string
	OrderID              string
	CustomerID           string
	CustomerEmail        string
	Method               PaymentMethod
	Gateway              PaymentGateway
	Reference            string
	GatewayTransactionID string
	Amount               int64
	NetAmount            int64
	GatewayFee           int64
	Currency             string
	Status               PaymentStatus
	Attempts             int
	MaxAttempts          int
	Refunds              []Refund
	GatewayResponse      json.RawMessage
	WebhookData          json.RawMessage
	RedirectURL          string
	Instructions         string
	FailureReason        string
	Metadata             map[string]string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
	FailedAt             *time.Time
}

// RefundedAmount sums completed refunds.
func (p Payment) RefundedAmount() int64 {
	return p.sumRefunds(RefundStatusCompleted)
}

// PendingRefundAmount sums refunds awaiting settlement.
func (p Payment) PendingRefundAmount() int64 {
	return p.sumRefunds(RefundStatusPending)
}

// RemainingAmount is the amount still refundable.
func (p Payment) RemainingAmount() int64 {
	remaining := p.Amount - p.RefundedAmount() - p.PendingRefundAmount()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsTerminal reports whether the payment reached a final state.
func (p Payment) IsTerminal() bool {
	return !p.Status.Open()
}

// FindRefund returns the index of the refund with the given id.
func (p Payment) FindRefund(id string) int {
	for i, refund := range p.Refunds {
		if refund.ID == id {
			return i
		}
	}
	return -1
}

func (p Payment) sumRefunds(status RefundStatus) int64 {
	var total int64
	for _, refund := range p.Refunds {
		if refund.Status == status {
			total += refund.Amount
		}
	}
	return total
}

// PaymentMethodInfo describes a method offered to customers at checkout.
type PaymentMethodInfo struct {
	Method  PaymentMethod
	Gateway PaymentGateway
	Manual  bool
	Label   string
}

// WebhookEvent records one raw gateway webhook delivery for audit.
type WebhookEvent struct {
	ID            string
	Gateway       PaymentGateway
	Reference     string
	TransactionID string
	GatewayStatus string
	PaymentID     string
	Matched       bool
	Outcome       string
	Payload       json.RawMessage
	ArchivePath   string
	ReceivedAt    time.Time
}
