package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/notifications"
	"github.com/medina-market/api/internal/payments"
	"github.com/medina-market/api/internal/platform/config"
	"github.com/medina-market/api/internal/platform/storage"
)

type fakeGateway struct {
	initErr    error
	webhookErr error
	refundErr  error
	refund     payments.RefundResult
	refunds    []payments.RefundRequest
}

func (*fakeGateway) Method() domain.PaymentMethod   { return domain.PaymentMethodStripe }
func (*fakeGateway) Gateway() domain.PaymentGateway { return domain.PaymentGatewayStripe }
func (*fakeGateway) Enabled() bool                  { return true }

func (g *fakeGateway) Initiate(_ context.Context, req payments.InitiateRequest) (payments.InitiateResult, error) {
	if g.initErr != nil {
		return payments.InitiateResult{}, g.initErr
	}
	return payments.InitiateResult{
		Status:        domain.PaymentStatusProcessing,
		TransactionID: "cs_" + req.Reference,
		RedirectURL:   "https://checkout.test/" + req.Reference,
		Raw:           json.RawMessage(`{"id":"cs"}`),
	}, nil
}

func (g *fakeGateway) ParseWebhook(_ context.Context, req payments.WebhookRequest) (payments.WebhookNotification, error) {
	if g.webhookErr != nil {
		return payments.WebhookNotification{}, g.webhookErr
	}
	var body struct {
		Ref    string `json:"ref"`
		Tx     string `json:"tx"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return payments.WebhookNotification{}, err
	}
	outcome := payments.OutcomePending
	switch body.Status {
	case "succeeded":
		outcome = payments.OutcomeSucceeded
	case "failed":
		outcome = payments.OutcomeFailed
	}
	return payments.WebhookNotification{Reference: body.Ref, TransactionID: body.Tx, GatewayStatus: body.Status, Outcome: outcome}, nil
}

func (g *fakeGateway) Refund(_ context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	g.refunds = append(g.refunds, req)
	return g.refund, g.refundErr
}

type recordingArchive struct {
	mu      sync.Mutex
	records []storage.ArchiveRecord
}

func (a *recordingArchive) Archive(_ context.Context, record storage.ArchiveRecord) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return "gs://webhooks/" + record.EventID + ".json", nil
}

type paymentFixture struct {
	svc      PaymentService
	orders   *memoryOrderRepo
	payments *memoryPaymentRepo
	webhooks *memoryWebhookRepo
	archive  *recordingArchive
	events   *recordingEvents
	gateway  *fakeGateway
	email    *recordingSender
	sms      *recordingSender
}

func newPaymentFixture(t *testing.T, paymeeURL string, seed ...domain.Order) paymentFixture {
	t.Helper()
	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("%04d", seq.Add(1)) }

	fx := paymentFixture{
		orders:   newMemoryOrderRepo(seed...),
		payments: newMemoryPaymentRepo(),
		webhooks: &memoryWebhookRepo{},
		archive:  &recordingArchive{},
		events:   &recordingEvents{},
		gateway:  &fakeGateway{refund: payments.RefundResult{GatewayRefundID: "re_1", Status: domain.RefundStatusPending}},
		email:    &recordingSender{channel: domain.NotificationChannelEmail},
		sms:      &recordingSender{channel: domain.NotificationChannelSMS},
	}

	prefs, err := NewNotificationPreferenceService(NotificationPreferenceServiceDeps{Preferences: newMemoryPreferenceRepo(), Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewNotificationPreferenceService: %v", err)
	}
	notifier, err := NewNotificationService(NotificationServiceDeps{
		Preferences: prefs,
		Logs:        &memoryLogRepo{},
		Senders:     []notifications.Sender{fx.email, fx.sms},
		Clock:       fixedClock,
		IDGenerator: ids,
	})
	if err != nil {
		t.Fatalf("NewNotificationService: %v", err)
	}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      fx.orders,
		Counters:    &sequenceCounters{},
		Notifier:    notifier,
		Clock:       fixedClock,
		IDGenerator: ids,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	registry, err := payments.NewRegistry(
		payments.NewCashOnDeliveryProvider(),
		payments.NewBankTransferProvider(config.BankTransferConfig{BankName: "BIAT", IBAN: "TN59 0800 0000", Beneficiary: "Medina Market"}),
		payments.NewPaymeeProvider(config.PaymeeConfig{BaseURL: paymeeURL, APIToken: "tok"}),
		fx.gateway,
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	svc, err := NewPaymentService(PaymentServiceDeps{
		Payments:        fx.payments,
		Webhooks:        fx.webhooks,
		Orders:          orders,
		Providers:       registry,
		Archive:         fx.archive,
		Events:          fx.events,
		CallbackBaseURL: "https://api.medina.test/",
		ReturnURL:       "https://shop.medina.test/checkout/return",
		Clock:           fixedClock,
		IDGenerator:     ids,
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	fx.svc = svc
	return fx
}

func payableOrder(method domain.PaymentMethod) domain.Order {
	order := seededOrder("ord_1", domain.OrderStatusPending)
	order.PaymentMethod = method
	order.Pricing.Total = 100000
	return order
}

func (fx paymentFixture) sentCategories() []domain.NotificationCategory {
	var out []domain.NotificationCategory
	for _, sender := range []*recordingSender{fx.email, fx.sms} {
		for _, m := range sender.messages() {
			out = append(out, m.msg.Category)
		}
	}
	return out
}

func TestPaymentInitiateCashOnDelivery(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodCashOnDelivery))

	res, err := fx.svc.Initiate(context.Background(), InitiatePaymentCommand{OrderID: "ord_1", CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.Payment.Status != domain.PaymentStatusPending || res.Payment.Gateway != domain.PaymentGatewayInternal {
		t.Fatalf("unexpected payment %+v", res.Payment)
	}
	if !strings.Contains(res.Instructions, "100.000 TND") || !strings.Contains(res.Instructions, res.Payment.Reference) {
		t.Fatalf("unexpected instructions %q", res.Instructions)
	}
	order := fx.orders.get("ord_1")
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.OrderPaymentPending {
		t.Fatalf("expected order to stay pending with payment pending, got %s/%s", order.Status, order.PaymentStatus)
	}
	if got := fx.sentCategories(); len(got) != 0 {
		t.Fatalf("expected no notifications, got %v", got)
	}
}

func TestPaymentInitiateBankTransferInstructions(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodBankTransfer))
	res, err := fx.svc.Initiate(context.Background(), InitiatePaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for _, want := range []string{"TN59 0800 0000", "BIAT", "Medina Market", res.Payment.Reference} {
		if !strings.Contains(res.Instructions, want) {
			t.Fatalf("instructions %q missing %q", res.Instructions, want)
		}
	}
}

func TestPaymentInitiateRejectsDuplicateAndPaidOrders(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	ctx := context.Background()

	if _, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"}); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"}); !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected duplicate payment error, got %v", err)
	}

	paid := payableOrder(domain.PaymentMethodStripe)
	paid.ID = "ord_2"
	paid.PaymentStatus = domain.OrderPaymentPaid
	other := newPaymentFixture(t, "", paid)
	if _, err := other.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_2"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state for paid order, got %v", err)
	}
}

func TestPaymentInitiateGatewayFailureReleasesLock(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	fx.gateway.initErr = &payments.GatewayError{Gateway: domain.PaymentGatewayStripe, Message: "card declined", StatusCode: 402, Raw: json.RawMessage(`{"error":"declined"}`)}
	ctx := context.Background()

	_, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.StatusCode != 402 {
		t.Fatalf("expected gateway error, got %v", err)
	}
	list, _ := fx.svc.ListForOrder(ctx, "ord_1")
	if len(list) != 1 || list[0].Status != domain.PaymentStatusFailed || list[0].Attempts != 1 {
		t.Fatalf("unexpected payments %+v", list)
	}
	if string(list[0].GatewayResponse) != `{"error":"declined"}` {
		t.Fatalf("expected raw error persisted, got %s", list[0].GatewayResponse)
	}
	if holder := fx.payments.lockHolder("ord_1"); holder != "" {
		t.Fatalf("expected lock released, held by %s", holder)
	}
	if fx.orders.get("ord_1").PaymentStatus != domain.OrderPaymentFailed {
		t.Fatalf("expected order payment status failed")
	}

	fx.gateway.initErr = nil
	res, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("retry Initiate: %v", err)
	}
	if res.Payment.Status != domain.PaymentStatusProcessing || res.RedirectURL == "" {
		t.Fatalf("unexpected retry result %+v", res)
	}
}

func TestPaymeePaidWebhookConfirmsOrder(t *testing.T) {
	var createPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &createPayload)
		_, _ = io.WriteString(w, `{"status":true,"data":{"token":"tok_1","payment_url":"https://paymee.test/tok_1"}}`)
	}))
	defer srv.Close()

	fx := newPaymentFixture(t, srv.URL, payableOrder(domain.PaymentMethodPaymee))
	ctx := context.Background()

	res, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	ref := res.Payment.Reference
	if res.Payment.Status != domain.PaymentStatusProcessing || res.Payment.GatewayTransactionID != "tok_1" {
		t.Fatalf("unexpected payment %+v", res.Payment)
	}
	wantHook := "https://api.medina.test/api/v1/webhooks/payments/paymee?ref=" + ref
	if createPayload["webhook_url"] != wantHook {
		t.Fatalf("expected webhook url %s, got %v", wantHook, createPayload["webhook_url"])
	}

	body := []byte(fmt.Sprintf(`{"token":"tok_1","order_id":%q,"payment_status":true,"transaction_id":"99"}`, ref))
	result, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayPaymee, Body: body})
	if err != nil {
		t.Fatalf("ReconcileWebhook: %v", err)
	}
	if !result.Matched || result.Status != domain.PaymentStatusCompleted {
		t.Fatalf("unexpected result %+v", result)
	}
	payment, _ := fx.svc.Get(ctx, res.Payment.ID)
	if payment.CompletedAt == nil || string(payment.WebhookData) != string(body) {
		t.Fatalf("expected completed payment with webhook data, got %+v", payment)
	}
	order := fx.orders.get("ord_1")
	if order.Status != domain.OrderStatusConfirmed || order.PaymentStatus != domain.OrderPaymentPaid {
		t.Fatalf("expected confirmed paid order, got %s/%s", order.Status, order.PaymentStatus)
	}
	cats := fx.sentCategories()
	if len(cats) == 0 {
		t.Fatalf("expected confirmation notifications")
	}
	for _, c := range cats {
		if c != domain.NotificationCategoryOrderUpdate {
			t.Fatalf("expected only order_update notifications, got %v", cats)
		}
	}
	sent := len(cats)

	replay, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayPaymee, Body: body})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Matched || replay.Reason != "replay" || replay.Status != domain.PaymentStatusCompleted {
		t.Fatalf("unexpected replay result %+v", replay)
	}
	if len(fx.sentCategories()) != sent {
		t.Fatalf("replay must not notify again")
	}
	if len(fx.orders.get("ord_1").StatusHistory) != len(order.StatusHistory) {
		t.Fatalf("replay must not touch order history")
	}
	if len(fx.webhooks.events) != 2 || len(fx.archive.records) != 2 {
		t.Fatalf("expected every delivery stored and archived, got %d/%d", len(fx.webhooks.events), len(fx.archive.records))
	}
	if fx.webhooks.events[0].ArchivePath == "" {
		t.Fatalf("expected archive path on stored event")
	}
}

func TestPaymentWebhookFailureAfterSuccessIsIgnored(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	ctx := context.Background()
	res, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	ref := res.Payment.Reference

	success := []byte(fmt.Sprintf(`{"ref":%q,"status":"succeeded"}`, ref))
	if _, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayStripe, Body: success}); err != nil {
		t.Fatalf("success webhook: %v", err)
	}
	late := []byte(fmt.Sprintf(`{"ref":%q,"status":"failed"}`, ref))
	out, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayStripe, Body: late})
	if err != nil {
		t.Fatalf("late webhook: %v", err)
	}
	if out.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment to stay completed, got %s", out.Status)
	}
	if fx.orders.get("ord_1").PaymentStatus != domain.OrderPaymentPaid {
		t.Fatalf("expected order to stay paid")
	}
}

func TestPaymentWebhookMatchesByTransactionID(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	ctx := context.Background()
	res, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	body := []byte(fmt.Sprintf(`{"tx":%q,"status":"failed"}`, res.Payment.GatewayTransactionID))
	out, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayStripe, Body: body})
	if err != nil {
		t.Fatalf("ReconcileWebhook: %v", err)
	}
	if !out.Matched || out.Status != domain.PaymentStatusFailed {
		t.Fatalf("unexpected result %+v", out)
	}
	if fx.payments.lockHolder("ord_1") != "" {
		t.Fatalf("expected lock released on failure")
	}
	if fx.orders.get("ord_1").PaymentStatus != domain.OrderPaymentFailed {
		t.Fatalf("expected order payment failed")
	}
}

func TestPaymentWebhookUnmatched(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodPaymee))
	ctx := context.Background()

	cases := map[string][]byte{
		"no_correlation":    []byte(`{"payment_status":true}`),
		"unknown_reference": []byte(`{"order_id":"PAY-NOPE","payment_status":true}`),
	}
	for reason, body := range cases {
		out, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayPaymee, Body: body})
		if err != nil {
			t.Fatalf("%s: %v", reason, err)
		}
		if out.Matched || out.Reason != reason || out.EventID == "" {
			t.Fatalf("%s: unexpected result %+v", reason, out)
		}
	}
	if len(fx.webhooks.events) != 2 {
		t.Fatalf("expected unmatched deliveries stored, got %d", len(fx.webhooks.events))
	}
	for _, event := range fx.webhooks.events {
		if event.Matched {
			t.Fatalf("expected unmatched event %+v", event)
		}
	}

	if _, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: "paypal", Body: []byte(`{}`)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown gateway to fail validation, got %v", err)
	}
}

func TestPaymentWebhookOverlappingDeliveryIsReplay(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	ctx := context.Background()
	res, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	body := []byte(fmt.Sprintf(`{"ref":%q,"status":"succeeded"}`, res.Payment.Reference))

	// the first delivery commits between the second one's lookup and its update
	var first WebhookResult
	var firstErr error
	fx.payments.afterReferenceLookup = func() {
		first, firstErr = fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayStripe, Body: body})
	}
	second, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayStripe, Body: body})
	if err != nil || firstErr != nil {
		t.Fatalf("ReconcileWebhook: %v / %v", err, firstErr)
	}

	if first.Reason != "" || first.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected first delivery to complete the payment, got %+v", first)
	}
	if second.Reason != "replay" || second.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected overlapping delivery to be a replay, got %+v", second)
	}
	completed := 0
	for _, typ := range fx.events.types() {
		if typ == paymentEventCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected one %s event, got %v", paymentEventCompleted, fx.events.types())
	}
	if len(fx.webhooks.events) != 2 || fx.webhooks.events[1].Outcome != "replay" {
		t.Fatalf("expected replay outcome stored for the later delivery, got %+v", fx.webhooks.events)
	}
}

func TestPaymentWebhookMalformedIsAcknowledged(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	ctx := context.Background()

	out, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayStripe, Body: []byte(`{"ref":`)})
	if err != nil {
		t.Fatalf("expected malformed delivery acknowledged, got %v", err)
	}
	if out.Matched || out.Reason != webhookReasonMalformed || out.EventID == "" {
		t.Fatalf("unexpected result %+v", out)
	}
	if len(fx.webhooks.events) != 1 || fx.webhooks.events[0].Outcome != webhookReasonMalformed || fx.webhooks.events[0].Matched {
		t.Fatalf("expected malformed event stored, got %+v", fx.webhooks.events)
	}
	if len(fx.events.types()) != 0 {
		t.Fatalf("malformed delivery must not publish, got %v", fx.events.types())
	}
}

func TestPaymentWebhookInvalidSignatureIsRejected(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	ctx := context.Background()
	res, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	fx.gateway.webhookErr = fmt.Errorf("%w: stripe-signature mismatch", payments.ErrInvalidSignature)

	body := []byte(fmt.Sprintf(`{"ref":%q,"status":"succeeded"}`, res.Payment.Reference))
	if _, err := fx.svc.ReconcileWebhook(ctx, WebhookCommand{Gateway: domain.PaymentGatewayStripe, Body: body}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(fx.webhooks.events) != 1 || fx.webhooks.events[0].Outcome != "rejected" {
		t.Fatalf("expected rejected event stored, got %+v", fx.webhooks.events)
	}
	if got := fx.payments.get(res.Payment.ID).Status; got != domain.PaymentStatusProcessing {
		t.Fatalf("expected payment untouched, got %s", got)
	}
}

func completedPayment(orderID string, amount int64) domain.Payment {
	return domain.Payment{
		ID:                   "pay_done",
		OrderID:              orderID,
		Method:               domain.PaymentMethodStripe,
		Gateway:              domain.PaymentGatewayStripe,
		Reference:            "PAY-DONE",
		GatewayTransactionID: "cs_done",
		Amount:               amount,
		Currency:             "TND",
		Status:               domain.PaymentStatusCompleted,
		CreatedAt:            fixedNow.Add(-time.Hour),
	}
}

func TestPaymentRefundBoundsAndRemaining(t *testing.T) {
	order := payableOrder(domain.PaymentMethodStripe)
	order.PaymentStatus = domain.OrderPaymentPaid
	fx := newPaymentFixture(t, "", order)
	ctx := context.Background()
	if err := fx.payments.InsertWithLock(ctx, completedPayment("ord_1", 100000)); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	if _, err := fx.svc.Refund(ctx, RefundCommand{PaymentID: "pay_done", Amount: -5}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative amount, got %v", err)
	}
	first, err := fx.svc.Refund(ctx, RefundCommand{PaymentID: "pay_done", Amount: 30000, Reason: "damaged", ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if first.RemainingAmount != 70000 || first.Refund.Status != domain.RefundStatusPending || first.Refund.GatewayRefundID != "re_1" {
		t.Fatalf("unexpected outcome %+v", first)
	}
	if len(fx.gateway.refunds) != 1 || fx.gateway.refunds[0].Amount != 30000 || fx.gateway.refunds[0].TransactionID != "cs_done" {
		t.Fatalf("unexpected gateway refunds %+v", fx.gateway.refunds)
	}
	if _, err := fx.svc.Refund(ctx, RefundCommand{PaymentID: "pay_done", Amount: 80000}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected refund above remaining to fail, got %v", err)
	}

	settled, err := fx.svc.ConfirmRefund(ctx, ConfirmRefundCommand{PaymentID: "pay_done", RefundID: first.Refund.ID, Status: domain.RefundStatusCompleted})
	if err != nil {
		t.Fatalf("ConfirmRefund: %v", err)
	}
	if settled.Status != domain.PaymentStatusPartiallyRefunded || fx.orders.get("ord_1").PaymentStatus != domain.OrderPaymentPartiallyRefunded {
		t.Fatalf("expected partial refund state, got %s", settled.Status)
	}

	rest, err := fx.svc.Refund(ctx, RefundCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Refund remaining: %v", err)
	}
	if rest.Refund.Amount != 70000 || rest.RemainingAmount != 0 {
		t.Fatalf("expected default amount to equal remaining, got %+v", rest)
	}
	if _, err := fx.svc.Refund(ctx, RefundCommand{PaymentID: "pay_done", Amount: 1}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected fully reserved payment to reject refunds, got %v", err)
	}
	final, err := fx.svc.ConfirmRefund(ctx, ConfirmRefundCommand{PaymentID: "pay_done", RefundID: rest.Refund.ID, Status: domain.RefundStatusCompleted})
	if err != nil {
		t.Fatalf("ConfirmRefund: %v", err)
	}
	if final.Status != domain.PaymentStatusRefunded || fx.orders.get("ord_1").PaymentStatus != domain.OrderPaymentRefunded {
		t.Fatalf("expected refunded state, got %s", final.Status)
	}
	if _, err := fx.svc.ConfirmRefund(ctx, ConfirmRefundCommand{PaymentID: "pay_done", RefundID: rest.Refund.ID, Status: domain.RefundStatusFailed}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected settled refund to reject a new status, got %v", err)
	}
}

func TestPaymentRefundRequiresCompletedPayment(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	ctx := context.Background()
	res, err := fx.svc.Initiate(ctx, InitiatePaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := fx.svc.Refund(ctx, RefundCommand{PaymentID: res.Payment.ID}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestPaymentRefundGatewayFailureMarksRefundFailed(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodStripe))
	fx.gateway.refundErr = errors.New("insufficient balance")
	ctx := context.Background()
	if err := fx.payments.InsertWithLock(ctx, completedPayment("ord_1", 100000)); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	_, err := fx.svc.Refund(ctx, RefundCommand{PaymentID: "pay_done", Amount: 10000})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	payment := fx.payments.get("pay_done")
	if len(payment.Refunds) != 1 || payment.Refunds[0].Status != domain.RefundStatusFailed {
		t.Fatalf("expected failed refund recorded, got %+v", payment.Refunds)
	}
	if payment.RemainingAmount() != 100000 || payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("failed refund must not reduce the refundable amount, got %d %s", payment.RemainingAmount(), payment.Status)
	}
}

func TestPaymentMarkManualPaid(t *testing.T) {
	fx := newPaymentFixture(t, "", payableOrder(domain.PaymentMethodCashOnDelivery))
	ctx := context.Background()

	payment, err := fx.svc.MarkManualPaid(ctx, "ord_1", "staff-1")
	if err != nil {
		t.Fatalf("MarkManualPaid: %v", err)
	}
	if payment.Status != domain.PaymentStatusCompleted || payment.Metadata["markedPaidBy"] != "staff-1" {
		t.Fatalf("unexpected payment %+v", payment)
	}
	order := fx.orders.get("ord_1")
	if order.Status != domain.OrderStatusConfirmed || order.PaymentStatus != domain.OrderPaymentPaid {
		t.Fatalf("expected confirmed paid order, got %s/%s", order.Status, order.PaymentStatus)
	}

	again, err := fx.svc.MarkManualPaid(ctx, "ord_1", "staff-2")
	if err != nil || again.ID != payment.ID {
		t.Fatalf("expected idempotent replay, got %+v %v", again, err)
	}
	if list, _ := fx.svc.ListForOrder(ctx, "ord_1"); len(list) != 1 {
		t.Fatalf("expected a single payment, got %d", len(list))
	}
}

func TestPaymentExpireStale(t *testing.T) {
	stale := payableOrder(domain.PaymentMethodStripe)
	cod := payableOrder(domain.PaymentMethodCashOnDelivery)
	cod.ID = "ord_2"
	fx := newPaymentFixture(t, "", stale, cod)
	ctx := context.Background()

	old := fixedNow.Add(-2 * time.Hour)
	for _, p := range []domain.Payment{
		{ID: "pay_old", OrderID: "ord_1", Method: domain.PaymentMethodStripe, Gateway: domain.PaymentGatewayStripe, Reference: "PAY-OLD", Status: domain.PaymentStatusProcessing, CreatedAt: old},
		{ID: "pay_cod", OrderID: "ord_2", Method: domain.PaymentMethodCashOnDelivery, Gateway: domain.PaymentGatewayInternal, Reference: "PAY-COD", Status: domain.PaymentStatusPending, CreatedAt: old},
	} {
		if err := fx.payments.InsertWithLock(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ID, err)
		}
	}

	res, err := fx.svc.ExpireStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if res.Scanned != 2 || res.Expired != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if fx.payments.get("pay_old").Status != domain.PaymentStatusFailed || fx.payments.lockHolder("ord_1") != "" {
		t.Fatalf("expected gateway payment expired and unlocked")
	}
	if fx.payments.get("pay_cod").Status != domain.PaymentStatusPending {
		t.Fatalf("manual payments must not expire")
	}
	if fx.orders.get("ord_1").PaymentStatus != domain.OrderPaymentFailed {
		t.Fatalf("expected order payment failed")
	}
}

func TestPaymentAvailableMethodsSkipsDisabledGateways(t *testing.T) {
	fx := newPaymentFixture(t, "")
	methods := fx.svc.AvailableMethods(context.Background())
	got := map[domain.PaymentMethod]bool{}
	for _, m := range methods {
		got[m.Method] = true
	}
	if !got[domain.PaymentMethodCashOnDelivery] || !got[domain.PaymentMethodBankTransfer] || !got[domain.PaymentMethodStripe] {
		t.Fatalf("expected manual and enabled gateway methods, got %+v", methods)
	}
	if got[domain.PaymentMethodPaymee] {
		t.Fatalf("paymee without a base url must be hidden")
	}
}
