package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	domain "github.com/medina-market/api/internal/domain"
)

// ErrUnsupportedMethod is returned when no provider is registered for a method.
var ErrUnsupportedMethod = errors.New("payments: unsupported payment method")

// ErrMethodDisabled is returned when the provider exists but has no credentials configured.
var ErrMethodDisabled = errors.New("payments: payment method disabled")

// ErrRefundUnsupported is returned by providers that settle refunds out of band.
var ErrRefundUnsupported = errors.New("payments: gateway refunds not supported")

// Customer is the payer contact forwarded to gateways.
type Customer struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// InitiateRequest carries everything an adapter needs to start a payment. Amount is in minor units.
type InitiateRequest struct {
	Reference   string
	OrderID     string
	OrderNumber string
	Amount      int64
	Currency    string
	Customer    Customer
	Description string
	ReturnURL   string
	CancelURL   string
	WebhookURL  string
	Metadata    map[string]string
}

// InitiateResult is the adapter outcome of a successful initiation.
type InitiateResult struct {
	Status        domain.PaymentStatus
	TransactionID string
	RedirectURL   string
	Instructions  string
	GatewayFee    int64
	Raw           json.RawMessage
}

// Outcome is the normalised meaning of a gateway status word.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// WebhookRequest is the raw inbound callback.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// WebhookNotification is the correlation and status data extracted from a gateway callback.
type WebhookNotification struct {
	EventID       string
	Reference     string
	TransactionID string
	GatewayStatus string
	Outcome       Outcome
	Amount        int64
	Raw           json.RawMessage
}

// HasCorrelation reports whether the callback carries any field usable to find the payment.
func (n WebhookNotification) HasCorrelation() bool {
	return strings.TrimSpace(n.Reference) != "" || strings.TrimSpace(n.TransactionID) != ""
}

// RefundRequest asks the gateway to return funds. Amount is in minor units.
type RefundRequest struct {
	TransactionID  string
	Reference      string
	RefundID       string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// RefundResult reports the gateway-side refund.
type RefundResult struct {
	GatewayRefundID string
	Status          domain.RefundStatus
}

// Provider is the uniform contract every payment method adapter implements.
type Provider interface {
	Method() domain.PaymentMethod
	Gateway() domain.PaymentGateway
	// Enabled reports whether the adapter has the credentials it needs.
	Enabled() bool
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
}

// WebhookParser is implemented by gateway adapters that receive callbacks.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, req WebhookRequest) (WebhookNotification, error)
}

// Refunder is implemented by adapters that can issue refunds through the gateway API.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// GatewayError wraps a failed call to an external gateway.
type GatewayError struct {
	Gateway    domain.PaymentGateway
	Message    string
	StatusCode int
	Raw        json.RawMessage
	Err        error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s: %s (http %d)", e.Gateway, msg, e.StatusCode)
	}
	return fmt.Sprintf("gateway %s: %s", e.Gateway, msg)
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Registry resolves providers by method and by gateway.
type Registry struct {
	byMethod  map[domain.PaymentMethod]Provider
	byGateway map[domain.PaymentGateway]Provider
	order     []domain.PaymentMethod
}

// NewRegistry registers providers in presentation order.
func NewRegistry(providers ...Provider) (*Registry, error) {
	reg := &Registry{
		byMethod:  make(map[domain.PaymentMethod]Provider, len(providers)),
		byGateway: make(map[domain.PaymentGateway]Provider, len(providers)),
	}
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider")
		}
		method := p.Method()
		if !method.Valid() {
			return nil, fmt.Errorf("payments: invalid method %q", method)
		}
		if _, dup := reg.byMethod[method]; dup {
			return nil, fmt.Errorf("payments: duplicate provider for %s", method)
		}
		reg.byMethod[method] = p
		reg.order = append(reg.order, method)
		if gw := p.Gateway(); gw != domain.PaymentGatewayInternal {
			reg.byGateway[gw] = p
		}
	}
	if len(reg.byMethod) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	return reg, nil
}

// Provider returns the enabled adapter for method.
func (r *Registry) Provider(method domain.PaymentMethod) (Provider, error) {
	p, ok := r.byMethod[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	if !p.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrMethodDisabled, method)
	}
	return p, nil
}

// ForGateway returns the adapter receiving webhooks for gateway.
func (r *Registry) ForGateway(gateway domain.PaymentGateway) (Provider, bool) {
	p, ok := r.byGateway[gateway]
	return p, ok
}

// Available lists enabled methods; manual methods are always enabled.
func (r *Registry) Available() []domain.PaymentMethodInfo {
	out := make([]domain.PaymentMethodInfo, 0, len(r.order))
	for _, method := range r.order {
		p := r.byMethod[method]
		if !p.Enabled() {
			continue
		}
		out = append(out, domain.PaymentMethodInfo{
			Method:  method,
			Gateway: p.Gateway(),
			Manual:  method.Manual(),
			Label:   methodLabel(method),
		})
	}
	return out
}

func methodLabel(method domain.PaymentMethod) string {
	switch method {
	case domain.PaymentMethodCashOnDelivery:
		return "Cash on delivery"
	case domain.PaymentMethodBankTransfer:
		return "Bank transfer"
	case domain.PaymentMethodPaymee:
		return "Paymee"
	case domain.PaymentMethodFlouci:
		return "Flouci"
	case domain.PaymentMethodKonnect:
		return "Konnect"
	case domain.PaymentMethodStripe:
		return "Card (Stripe)"
	default:
		return string(method)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// ErrInvalidSignature marks webhook payloads whose gateway-native signature did not verify.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")
