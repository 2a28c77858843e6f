package payments

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/config"
)

const flouciSessionTimeoutSecs = 1200

// FlouciProvider integrates the Flouci wallet checkout. Amounts are sent in millimes.
type FlouciProvider struct {
	cfg  config.FlouciConfig
	http jsonGateway
}

// NewFlouciProvider constructs the Flouci adapter.
func NewFlouciProvider(cfg config.FlouciConfig, opts ...GatewayOption) *FlouciProvider {
	return &FlouciProvider{cfg: cfg, http: buildGateway(domain.PaymentGatewayFlouci, cfg.BaseURL, opts)}
}

func (*FlouciProvider) Method() domain.PaymentMethod   { return domain.PaymentMethodFlouci }
func (*FlouciProvider) Gateway() domain.PaymentGateway { return domain.PaymentGatewayFlouci }

func (p *FlouciProvider) Enabled() bool {
	return strings.TrimSpace(p.cfg.AppToken) != "" && strings.TrimSpace(p.cfg.AppSecret) != "" && p.http.baseURL != ""
}

type flouciGenerateRequest struct {
	AppToken            string `json:"app_token"`
	AppSecret           string `json:"app_secret"`
	Amount              string `json:"amount"`
	AcceptCard          string `json:"accept_card"`
	SessionTimeoutSecs  int    `json:"session_timeout_secs"`
	SuccessLink         string `json:"success_link"`
	FailLink            string `json:"fail_link"`
	WebhookURL          string `json:"webhook,omitempty"`
	DeveloperTrackingID string `json:"developer_tracking_id"`
}

type flouciGenerateResponse struct {
	Result struct {
		Success   bool   `json:"success"`
		PaymentID string `json:"payment_id"`
		Link      string `json:"link"`
		Message   string `json:"message"`
	} `json:"result"`
}

// Initiate generates a Flouci payment link.
func (p *FlouciProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	payload := flouciGenerateRequest{
		AppToken:            p.cfg.AppToken,
		AppSecret:           p.cfg.AppSecret,
		Amount:              formatInt(req.Amount),
		AcceptCard:          "true",
		SessionTimeoutSecs:  flouciSessionTimeoutSecs,
		SuccessLink:         req.ReturnURL,
		FailLink:            firstNonEmpty(req.CancelURL, req.ReturnURL),
		WebhookURL:          req.WebhookURL,
		DeveloperTrackingID: req.Reference,
	}
	var resp flouciGenerateResponse
	raw, err := p.http.do(ctx, http.MethodPost, "/generate_payment", nil, payload, &resp)
	if err != nil {
		return InitiateResult{Raw: raw}, err
	}
	if !resp.Result.Success || resp.Result.PaymentID == "" {
		return InitiateResult{Raw: raw}, &GatewayError{
			Gateway: domain.PaymentGatewayFlouci,
			Message: firstNonEmpty(resp.Result.Message, "payment generation rejected"),
			Raw:     raw,
		}
	}
	return InitiateResult{
		Status:        domain.PaymentStatusProcessing,
		TransactionID: resp.Result.PaymentID,
		RedirectURL:   resp.Result.Link,
		Raw:           raw,
	}, nil
}

type flouciWebhook struct {
	PaymentID           looseString `json:"payment_id"`
	DeveloperTrackingID looseString `json:"developer_tracking_id"`
	Status              looseString `json:"status"`
	Amount              looseString `json:"amount"`
	Result              *struct {
		Status looseString `json:"status"`
	} `json:"result"`
}

// ParseWebhook reads the Flouci notification. Status words are SUCCESS, FAILURE and PENDING.
func (p *FlouciProvider) ParseWebhook(ctx context.Context, req WebhookRequest) (WebhookNotification, error) {
	var body flouciWebhook
	if err := decodeWebhookBody(domain.PaymentGatewayFlouci, req, &body); err != nil {
		return WebhookNotification{}, err
	}
	status := body.Status.String()
	if status == "" && body.Result != nil {
		status = body.Result.Status.String()
	}
	note := WebhookNotification{
		Reference:     firstNonEmpty(body.DeveloperTrackingID.String(), req.Query.Get("ref")),
		TransactionID: firstNonEmpty(body.PaymentID.String(), req.Query.Get("payment_id")),
		GatewayStatus: status,
		Outcome:       flouciOutcome(status),
		Amount:        integerAmount(body.Amount),
		Raw:           asRawJSON(req.Body),
	}
	// Redirect-style callbacks carry only the payment id; the status comes from verify.
	if status == "" && note.TransactionID != "" && p.Enabled() {
		verified, err := p.Verify(ctx, note.TransactionID)
		if err != nil {
			return WebhookNotification{}, err
		}
		note.GatewayStatus = verified.GatewayStatus
		note.Outcome = verified.Outcome
		note.Reference = firstNonEmpty(note.Reference, verified.Reference)
		if note.Raw == nil {
			note.Raw = verified.Raw
		}
	}
	return note, nil
}

// Verify asks Flouci for the authoritative status of a payment.
func (p *FlouciProvider) Verify(ctx context.Context, paymentID string) (WebhookNotification, error) {
	header := http.Header{}
	header.Set("apppublic", p.cfg.AppToken)
	header.Set("appsecret", p.cfg.AppSecret)
	var resp flouciWebhook
	raw, err := p.http.do(ctx, http.MethodGet, "/verify_payment/"+url.PathEscape(paymentID), header, nil, &resp)
	if err != nil {
		return WebhookNotification{}, err
	}
	status := resp.Status.String()
	if resp.Result != nil && resp.Result.Status.String() != "" {
		status = resp.Result.Status.String()
	}
	return WebhookNotification{
		Reference:     resp.DeveloperTrackingID.String(),
		TransactionID: paymentID,
		GatewayStatus: status,
		Outcome:       flouciOutcome(status),
		Raw:           raw,
	}, nil
}

func flouciOutcome(status string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "PAID", "COMPLETED":
		return OutcomeSucceeded
	case "FAILURE", "FAILED", "EXPIRED", "CANCELLED", "CANCELED":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
