package payments

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/config"
)

const konnectLifespanMinutes = 30

// KonnectProvider integrates the Konnect payment gateway. Amounts are sent in millimes.
type KonnectProvider struct {
	cfg  config.KonnectConfig
	http jsonGateway
}

// NewKonnectProvider constructs the Konnect adapter.
func NewKonnectProvider(cfg config.KonnectConfig, opts ...GatewayOption) *KonnectProvider {
	return &KonnectProvider{cfg: cfg, http: buildGateway(domain.PaymentGatewayKonnect, cfg.BaseURL, opts)}
}

func (*KonnectProvider) Method() domain.PaymentMethod   { return domain.PaymentMethodKonnect }
func (*KonnectProvider) Gateway() domain.PaymentGateway { return domain.PaymentGatewayKonnect }

func (p *KonnectProvider) Enabled() bool {
	return strings.TrimSpace(p.cfg.APIKey) != "" && strings.TrimSpace(p.cfg.WalletID) != "" && p.http.baseURL != ""
}

type konnectInitRequest struct {
	ReceiverWalletID       string   `json:"receiverWalletId"`
	Token                  string   `json:"token"`
	Amount                 int64    `json:"amount"`
	Type                   string   `json:"type"`
	Description            string   `json:"description,omitempty"`
	AcceptedPaymentMethods []string `json:"acceptedPaymentMethods"`
	Lifespan               int      `json:"lifespan"`
	CheckoutForm           bool     `json:"checkoutForm"`
	FirstName              string   `json:"firstName,omitempty"`
	LastName               string   `json:"lastName,omitempty"`
	PhoneNumber            string   `json:"phoneNumber,omitempty"`
	Email                  string   `json:"email,omitempty"`
	OrderID                string   `json:"orderId"`
	Webhook                string   `json:"webhook,omitempty"`
	SuccessURL             string   `json:"successUrl,omitempty"`
	FailURL                string   `json:"failUrl,omitempty"`
}

type konnectInitResponse struct {
	PayURL     string `json:"payUrl"`
	PaymentRef string `json:"paymentRef"`
}

// Initiate creates a Konnect payment request.
func (p *KonnectProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	payload := konnectInitRequest{
		ReceiverWalletID:       p.cfg.WalletID,
		Token:                  strings.ToUpper(firstNonEmpty(req.Currency, domain.DefaultCurrency)),
		Amount:                 req.Amount,
		Type:                   "immediate",
		Description:            firstNonEmpty(req.Description, "Order "+req.OrderNumber),
		AcceptedPaymentMethods: []string{"wallet", "bank_card", "e-DINAR"},
		Lifespan:               konnectLifespanMinutes,
		FirstName:              req.Customer.FirstName,
		LastName:               req.Customer.LastName,
		PhoneNumber:            req.Customer.Phone,
		Email:                  req.Customer.Email,
		OrderID:                req.Reference,
		Webhook:                req.WebhookURL,
		SuccessURL:             req.ReturnURL,
		FailURL:                firstNonEmpty(req.CancelURL, req.ReturnURL),
	}
	var resp konnectInitResponse
	raw, err := p.http.do(ctx, http.MethodPost, "/payments/init-payment", p.authHeader(), payload, &resp)
	if err != nil {
		return InitiateResult{Raw: raw}, err
	}
	if resp.PaymentRef == "" || resp.PayURL == "" {
		return InitiateResult{Raw: raw}, &GatewayError{Gateway: domain.PaymentGatewayKonnect, Message: "missing payment reference", Raw: raw}
	}
	return InitiateResult{
		Status:        domain.PaymentStatusProcessing,
		TransactionID: resp.PaymentRef,
		RedirectURL:   resp.PayURL,
		Raw:           raw,
	}, nil
}

type konnectPayment struct {
	ID      looseString `json:"id"`
	Status  looseString `json:"status"`
	OrderID looseString `json:"orderId"`
	Amount  looseString `json:"amount"`
}

type konnectWebhook struct {
	PaymentRef looseString     `json:"payment_ref"`
	Status     looseString     `json:"status"`
	OrderID    looseString     `json:"orderId"`
	Payment    *konnectPayment `json:"payment"`
}

// ParseWebhook reads the Konnect notification. Konnect usually sends only payment_ref, so the
// status is fetched from the payment details endpoint when absent.
func (p *KonnectProvider) ParseWebhook(ctx context.Context, req WebhookRequest) (WebhookNotification, error) {
	var body konnectWebhook
	if err := decodeWebhookBody(domain.PaymentGatewayKonnect, req, &body); err != nil {
		return WebhookNotification{}, err
	}
	note := WebhookNotification{
		Reference:     firstNonEmpty(body.OrderID.String(), req.Query.Get("ref")),
		TransactionID: firstNonEmpty(body.PaymentRef.String(), req.Query.Get("payment_ref")),
		GatewayStatus: body.Status.String(),
		Raw:           asRawJSON(req.Body),
	}
	if body.Payment != nil {
		note.TransactionID = firstNonEmpty(note.TransactionID, body.Payment.ID.String())
		note.Reference = firstNonEmpty(note.Reference, body.Payment.OrderID.String())
		note.GatewayStatus = firstNonEmpty(note.GatewayStatus, body.Payment.Status.String())
		note.Amount = integerAmount(body.Payment.Amount)
	}
	if note.GatewayStatus == "" && note.TransactionID != "" && p.Enabled() {
		details, raw, err := p.lookup(ctx, note.TransactionID)
		if err != nil {
			return WebhookNotification{}, err
		}
		note.GatewayStatus = details.Status.String()
		note.Reference = firstNonEmpty(note.Reference, details.OrderID.String())
		note.Amount = integerAmount(details.Amount)
		if note.Raw == nil {
			note.Raw = raw
		}
	}
	note.Outcome = konnectOutcome(note.GatewayStatus)
	return note, nil
}

func (p *KonnectProvider) lookup(ctx context.Context, paymentRef string) (konnectPayment, []byte, error) {
	var resp struct {
		Payment konnectPayment `json:"payment"`
	}
	raw, err := p.http.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentRef), p.authHeader(), nil, &resp)
	if err != nil {
		return konnectPayment{}, raw, err
	}
	return resp.Payment, raw, nil
}

func (p *KonnectProvider) authHeader() http.Header {
	header := http.Header{}
	header.Set("x-api-key", p.cfg.APIKey)
	return header
}

func konnectOutcome(status string) Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "paid", "success":
		return OutcomeSucceeded
	case "failed", "failed_payment", "expired", "cancelled", "canceled":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
