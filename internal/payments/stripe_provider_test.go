package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/medina-market/api/internal/domain"
)

type stubSessions struct {
	newFn func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getFn func(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func (s *stubSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.newFn(params)
}

func (s *stubSessions) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.getFn(id, params)
}

type stubRefunds struct {
	newFn func(*stripe.RefundParams) (*stripe.Refund, error)
}

func (s *stubRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	return s.newFn(params)
}

func TestStripeInitiateUsesReferenceAsClientReference(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	sessions := &stubSessions{newFn: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		captured = params
		return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
	}}
	provider, err := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{sessions: sessions, refunds: &stubRefunds{}}})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}

	res, err := provider.Initiate(context.Background(), InitiateRequest{
		Reference: "PAY-7",
		OrderID:   "ord_7",
		Amount:    2500,
		Currency:  "EUR",
		ReturnURL: "https://shop.test/return?ref=PAY-7",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.TransactionID != "cs_1" || res.RedirectURL == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if stripe.StringValue(captured.ClientReferenceID) != "PAY-7" {
		t.Fatalf("client reference not set")
	}
	if got := stripe.Int64Value(captured.LineItems[0].PriceData.UnitAmount); got != 2500 {
		t.Fatalf("unexpected amount %d", got)
	}
	if stripe.StringValue(captured.LineItems[0].PriceData.Currency) != "eur" {
		t.Fatalf("currency must be lower-case")
	}
}

func TestStripeInitiateWrapsErrors(t *testing.T) {
	sessions := &stubSessions{newFn: func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Msg: "card declined"}
	}}
	provider, _ := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{sessions: sessions, refunds: &stubRefunds{}}})
	_, err := provider.Initiate(context.Background(), InitiateRequest{Reference: "PAY-7", Amount: 100, Currency: "EUR"})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestStripeRefundResolvesPaymentIntent(t *testing.T) {
	sessions := &stubSessions{getFn: func(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		if id != "cs_1" {
			t.Fatalf("unexpected session %s", id)
		}
		return &stripe.CheckoutSession{ID: id, PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"}}, nil
	}}
	var captured *stripe.RefundParams
	refunds := &stubRefunds{newFn: func(params *stripe.RefundParams) (*stripe.Refund, error) {
		captured = params
		return &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusPending}, nil
	}}
	provider, _ := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{sessions: sessions, refunds: refunds}})

	res, err := provider.Refund(context.Background(), RefundRequest{
		TransactionID: "cs_1",
		Amount:        1200,
		Reason:        "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if res.GatewayRefundID != "re_1" || res.Status != domain.RefundStatusPending {
		t.Fatalf("unexpected result %+v", res)
	}
	if stripe.StringValue(captured.PaymentIntent) != "pi_1" || stripe.Int64Value(captured.Amount) != 1200 {
		t.Fatalf("unexpected refund params")
	}
	if stripe.StringValue(captured.Reason) != "requested_by_customer" {
		t.Fatalf("reason not mapped")
	}
}

const checkoutCompletedEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {"object": {"id": "cs_1", "object": "checkout.session", "client_reference_id": "PAY-7", "payment_status": "paid", "amount_total": 2500}}
}`

func TestStripeParseWebhookUnsigned(t *testing.T) {
	provider, _ := NewStripeProvider(StripeProviderConfig{})
	note, err := provider.ParseWebhook(context.Background(), WebhookRequest{Body: []byte(checkoutCompletedEvent)})
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if note.Reference != "PAY-7" || note.TransactionID != "cs_1" || note.Outcome != OutcomeSucceeded || note.EventID != "evt_1" {
		t.Fatalf("unexpected notification %+v", note)
	}
}

func TestStripeParseWebhookVerifiesSignature(t *testing.T) {
	provider, _ := NewStripeProvider(StripeProviderConfig{WebhookSecret: "whsec_test"})
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(checkoutCompletedEvent),
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)
	note, err := provider.ParseWebhook(context.Background(), WebhookRequest{Body: signed.Payload, Header: header})
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if note.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected outcome %s", note.Outcome)
	}

	header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	if _, err := provider.ParseWebhook(context.Background(), WebhookRequest{Body: signed.Payload, Header: header}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestStripeExpiredSessionFails(t *testing.T) {
	provider, _ := NewStripeProvider(StripeProviderConfig{})
	body := `{"id":"evt_2","type":"checkout.session.expired","data":{"object":{"id":"cs_2","client_reference_id":"PAY-8","payment_status":"unpaid"}}}`
	note, err := provider.ParseWebhook(context.Background(), WebhookRequest{Body: []byte(body)})
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if note.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", note.Outcome)
	}
}

func TestStripeDisabledWithoutKey(t *testing.T) {
	provider, _ := NewStripeProvider(StripeProviderConfig{})
	if provider.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if _, err := provider.Initiate(context.Background(), InitiateRequest{}); !errors.Is(err, ErrMethodDisabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}
}
