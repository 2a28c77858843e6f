package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/medina-market/api/internal/domain"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	refunds  stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clients       *stripeClients
}

// StripeProvider collects card payments through Stripe Checkout.
type StripeProvider struct {
	api           stripeClients
	enabled       bool
	webhookSecret string
	logger        StripeLogger
}

// NewStripeProvider constructs the Stripe adapter. Without an API key the adapter is registered
// but reports itself disabled.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)

	var clients stripeClients
	switch {
	case cfg.Clients != nil:
		clients = *cfg.Clients
	case apiKey != "":
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{sessions: sc.CheckoutSessions, refunds: sc.Refunds}
	}
	enabled := apiKey != "" || cfg.Clients != nil
	if enabled && (clients.sessions == nil || clients.refunds == nil) {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		enabled:       enabled,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		logger:        logger,
	}, nil
}

func (*StripeProvider) Method() domain.PaymentMethod   { return domain.PaymentMethodStripe }
func (*StripeProvider) Gateway() domain.PaymentGateway { return domain.PaymentGatewayStripe }
func (p *StripeProvider) Enabled() bool                { return p != nil && p.enabled }

// Initiate creates a Checkout session whose client reference is the payment reference.
func (p *StripeProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if !p.Enabled() {
		return InitiateResult{}, ErrMethodDisabled
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(firstNonEmpty(req.CancelURL, req.ReturnURL)),
		ClientReferenceID: stripe.String(req.Reference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(firstNonEmpty(req.Description, "Order "+req.OrderNumber)),
				},
			},
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)
	if req.Customer.Email != "" {
		params.CustomerEmail = stripe.String(req.Customer.Email)
	}
	metadata := map[string]string{"reference": req.Reference, "orderId": req.OrderID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return InitiateResult{}, stripeGatewayError("create checkout session", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"reference": req.Reference,
	})

	raw, _ := json.Marshal(session)
	return InitiateResult{
		Status:        domain.PaymentStatusProcessing,
		TransactionID: session.ID,
		RedirectURL:   session.URL,
		Raw:           raw,
	}, nil
}

// Refund resolves the session's payment intent and refunds against it.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if !p.Enabled() {
		return RefundResult{}, ErrMethodDisabled
	}
	intentID, err := p.paymentIntentID(ctx, req.TransactionID)
	if err != nil {
		return RefundResult{}, err
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(req.Amount),
		Metadata:      map[string]string{"reference": req.Reference, "refundId": req.RefundID},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	refund, err := p.api.refunds.New(params)
	if err != nil {
		return RefundResult{}, stripeGatewayError("create refund", err)
	}
	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": intentID,
		"refundId":      refund.ID,
		"status":        refund.Status,
	})
	return RefundResult{GatewayRefundID: refund.ID, Status: stripeRefundStatus(refund.Status)}, nil
}

func (p *StripeProvider) paymentIntentID(ctx context.Context, transactionID string) (string, error) {
	if strings.HasPrefix(transactionID, "pi_") {
		return transactionID, nil
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	session, err := p.api.sessions.Get(transactionID, params)
	if err != nil {
		return "", stripeGatewayError("lookup checkout session", err)
	}
	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return "", &GatewayError{Gateway: domain.PaymentGatewayStripe, Message: "checkout session has no payment intent"}
	}
	return session.PaymentIntent.ID, nil
}

// ParseWebhook verifies the Stripe-Signature header when a webhook secret is configured and
// extracts the checkout session outcome.
func (p *StripeProvider) ParseWebhook(ctx context.Context, req WebhookRequest) (WebhookNotification, error) {
	var event stripe.Event
	if p.webhookSecret != "" {
		verified, err := webhook.ConstructEventWithOptions(req.Body, req.Header.Get("Stripe-Signature"), p.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return WebhookNotification{}, &GatewayError{Gateway: domain.PaymentGatewayStripe, Message: "signature verification failed", Err: ErrInvalidSignature}
		}
		event = verified
	} else if err := json.Unmarshal(req.Body, &event); err != nil {
		return WebhookNotification{}, &GatewayError{Gateway: domain.PaymentGatewayStripe, Message: "malformed webhook payload", Err: err}
	}

	note := WebhookNotification{
		EventID:       event.ID,
		GatewayStatus: string(event.Type),
		Outcome:       OutcomePending,
		Raw:           asRawJSON(req.Body),
	}
	if event.Data == nil {
		return note, nil
	}

	switch {
	case strings.HasPrefix(string(event.Type), "checkout.session."):
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return WebhookNotification{}, &GatewayError{Gateway: domain.PaymentGatewayStripe, Message: "malformed checkout session", Err: err}
		}
		note.Reference = firstNonEmpty(session.ClientReferenceID, session.Metadata["reference"])
		note.TransactionID = session.ID
		note.Amount = session.AmountTotal
		note.Outcome = stripeSessionOutcome(event.Type, session.PaymentStatus)
	case strings.HasPrefix(string(event.Type), "payment_intent."):
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookNotification{}, &GatewayError{Gateway: domain.PaymentGatewayStripe, Message: "malformed payment intent", Err: err}
		}
		note.Reference = intent.Metadata["reference"]
		note.Amount = intent.Amount
		switch event.Type {
		case "payment_intent.succeeded":
			note.Outcome = OutcomeSucceeded
		case "payment_intent.payment_failed", "payment_intent.canceled":
			note.Outcome = OutcomeFailed
		}
	}

	p.logger(ctx, "payments.stripe.webhook.parsed", map[string]any{
		"eventId":   event.ID,
		"type":      event.Type,
		"reference": note.Reference,
	})
	return note, nil
}

func stripeSessionOutcome(eventType stripe.EventType, paymentStatus stripe.CheckoutSessionPaymentStatus) Outcome {
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		if paymentStatus == stripe.CheckoutSessionPaymentStatusPaid || paymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			return OutcomeSucceeded
		}
		return OutcomePending
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

func stripeRefundStatus(status stripe.RefundStatus) domain.RefundStatus {
	switch status {
	case stripe.RefundStatusSucceeded:
		return domain.RefundStatusCompleted
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return domain.RefundStatusFailed
	default:
		return domain.RefundStatusPending
	}
}

func stripeGatewayError(op string, err error) error {
	gwErr := &GatewayError{Gateway: domain.PaymentGatewayStripe, Message: op, Err: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		gwErr.StatusCode = stripeErr.HTTPStatusCode
		gwErr.Message = fmt.Sprintf("%s: %s", op, stripeErr.Msg)
	}
	return gwErr
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
