package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/config"
)

// PaymeeProvider integrates the Paymee hosted checkout. Paymee expects amounts in dinars.
type PaymeeProvider struct {
	cfg  config.PaymeeConfig
	http jsonGateway
}

// NewPaymeeProvider constructs the Paymee adapter.
func NewPaymeeProvider(cfg config.PaymeeConfig, opts ...GatewayOption) *PaymeeProvider {
	return &PaymeeProvider{cfg: cfg, http: buildGateway(domain.PaymentGatewayPaymee, cfg.BaseURL, opts)}
}

func (*PaymeeProvider) Method() domain.PaymentMethod   { return domain.PaymentMethodPaymee }
func (*PaymeeProvider) Gateway() domain.PaymentGateway { return domain.PaymentGatewayPaymee }

func (p *PaymeeProvider) Enabled() bool {
	return strings.TrimSpace(p.cfg.APIToken) != "" && p.http.baseURL != ""
}

type paymeeCreateRequest struct {
	Amount     json.Number `json:"amount"`
	Note       string      `json:"note"`
	FirstName  string      `json:"first_name,omitempty"`
	LastName   string      `json:"last_name,omitempty"`
	Email      string      `json:"email,omitempty"`
	Phone      string      `json:"phone,omitempty"`
	ReturnURL  string      `json:"return_url,omitempty"`
	CancelURL  string      `json:"cancel_url,omitempty"`
	WebhookURL string      `json:"webhook_url,omitempty"`
	OrderID    string      `json:"order_id"`
	VendorID   string      `json:"vendor,omitempty"`
}

type paymeeCreateResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Token      string `json:"token"`
		OrderID    string `json:"order_id"`
		PaymentURL string `json:"payment_url"`
	} `json:"data"`
}

// Initiate creates a Paymee payment and returns the hosted payment URL.
func (p *PaymeeProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	payload := paymeeCreateRequest{
		Amount:     json.Number(domain.FormatAmount(req.Amount, req.Currency)),
		Note:       firstNonEmpty(req.Description, "Order "+req.OrderNumber),
		FirstName:  req.Customer.FirstName,
		LastName:   req.Customer.LastName,
		Email:      req.Customer.Email,
		Phone:      req.Customer.Phone,
		ReturnURL:  req.ReturnURL,
		CancelURL:  firstNonEmpty(req.CancelURL, req.ReturnURL),
		WebhookURL: req.WebhookURL,
		OrderID:    req.Reference,
		VendorID:   p.cfg.VendorID,
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+p.cfg.APIToken)

	var resp paymeeCreateResponse
	raw, err := p.http.do(ctx, http.MethodPost, "/payments/create", header, payload, &resp)
	if err != nil {
		return InitiateResult{Raw: raw}, err
	}
	if !resp.Status || resp.Data.Token == "" {
		return InitiateResult{Raw: raw}, &GatewayError{
			Gateway: domain.PaymentGatewayPaymee,
			Message: firstNonEmpty(resp.Message, "payment creation rejected"),
			Raw:     raw,
		}
	}
	return InitiateResult{
		Status:        domain.PaymentStatusProcessing,
		TransactionID: resp.Data.Token,
		RedirectURL:   resp.Data.PaymentURL,
		Raw:           raw,
	}, nil
}

type paymeeWebhook struct {
	Token          looseString `json:"token"`
	OrderID        looseString `json:"order_id"`
	TransactionID  looseString `json:"transaction_id"`
	Status         looseString `json:"status"`
	PaymentStatus  looseString `json:"payment_status"`
	Amount         looseString `json:"amount"`
	ReceivedAmount looseString `json:"received_amount"`
}

// ParseWebhook reads the Paymee notification. Paymee reports either a boolean payment_status
// or a status word depending on the API version.
func (p *PaymeeProvider) ParseWebhook(_ context.Context, req WebhookRequest) (WebhookNotification, error) {
	var body paymeeWebhook
	if err := decodeWebhookBody(domain.PaymentGatewayPaymee, req, &body); err != nil {
		return WebhookNotification{}, err
	}
	status := body.Status.String()
	if status == "" && body.PaymentStatus.String() != "" {
		if body.PaymentStatus.Bool() {
			status = "paid"
		} else {
			status = "failed"
		}
	}
	return WebhookNotification{
		EventID:       body.TransactionID.String(),
		Reference:     firstNonEmpty(body.OrderID.String(), req.Query.Get("ref")),
		TransactionID: body.Token.String(),
		GatewayStatus: status,
		Outcome:       paymeeOutcome(status),
		Amount:        minorAmount(looseString(firstNonEmpty(body.ReceivedAmount.String(), body.Amount.String())), domain.DefaultCurrency),
		Raw:           asRawJSON(req.Body),
	}, nil
}

func paymeeOutcome(status string) Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "success", "succeeded", "completed", "true":
		return OutcomeSucceeded
	case "failed", "failure", "cancelled", "canceled", "expired", "false":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
