package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"firebase.google.com/go/v4/messaging"

	domain "github.com/medina-market/api/internal/domain"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		err  bool
	}{
		{raw: "22 123 456", want: "+21622123456"},
		{raw: "+216 22-123-456", want: "+21622123456"},
		{raw: "0021622123456", want: "+21622123456"},
		{raw: "21622123456", want: "+21622123456"},
		{raw: "２２１２３４５６", want: "+21622123456"},
		{raw: "+33 6 12 34 56 78", want: "+33612345678"},
		{raw: "12345", err: true},
		{raw: "22abc456", err: true},
		{raw: "+0123456789", err: true},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.raw, "216")
		if tc.err {
			if !errors.Is(err, ErrInvalidPhone) {
				t.Fatalf("%q: expected invalid phone, got %q %v", tc.raw, got, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: expected %s, got %s (%v)", tc.raw, tc.want, got, err)
		}
	}
}

func TestTruncateSMS(t *testing.T) {
	short := "Order shipped"
	if TruncateSMS(short) != short {
		t.Fatalf("short text must be unchanged")
	}
	long := strings.Repeat("é", 200)
	got := TruncateSMS(long)
	if n := len([]rune(got)); n != MaxSMSLength {
		t.Fatalf("expected %d runes, got %d", MaxSMSLength, n)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix")
	}
}

func TestSMSSenderRejectsMalformedBeforeSend(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	sender := NewSMSSender(SMSConfig{Endpoint: srv.URL})
	if _, err := sender.Send(context.Background(), Recipient{Phone: "12"}, Message{Body: "hi"}); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected invalid phone, got %v", err)
	}
	if called {
		t.Fatalf("relay must not be called for malformed numbers")
	}
}

func TestSMSSenderPostsNormalizedNumber(t *testing.T) {
	var got smsPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messageId":"sms_1"}`))
	}))
	defer srv.Close()

	sender := NewSMSSender(SMSConfig{Endpoint: srv.URL, APIKey: "k", Sender: "MEDINA"})
	res, err := sender.Send(context.Background(), Recipient{Phone: "98 765 432"}, Message{Title: "Order shipped", Body: "On its way"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "sms_1" || got.To != "+21698765432" || got.Text != "Order shipped: On its way" {
		t.Fatalf("unexpected payload %+v result %+v", got, res)
	}
}

func TestEmailRenderSanitizesAndLinksTracking(t *testing.T) {
	sender, err := NewEmailSender(EmailConfig{TrackingBaseURL: "https://shop.test/track/"})
	if err != nil {
		t.Fatalf("NewEmailSender: %v", err)
	}
	html, err := sender.Render(Recipient{Name: "Amel <b>B</b>", Locale: "ar-TN"}, Message{
		Category: domain.NotificationCategoryOrderUpdate,
		Title:    "Order update",
		Body:     `Your note: <script>alert(1)</script>hello`,
		Data:     map[string]string{"orderNumber": "ORD-20260309-000001", "status": "shipped", "trackingCode": "TRKABCDEFGHJK"},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(html, "<script>") || strings.Contains(html, "<b>") {
		t.Fatalf("markup not stripped: %s", html)
	}
	for _, want := range []string{`lang="ar"`, "ORD-20260309-000001", "shipped", "https://shop.test/track/TRKABCDEFGHJK", "Hello Amel B,"} {
		if !strings.Contains(html, want) {
			t.Fatalf("html missing %q: %s", want, html)
		}
	}
}

func TestEmailSenderRequiresAddressAndEndpoint(t *testing.T) {
	sender, _ := NewEmailSender(EmailConfig{})
	if _, err := sender.Send(context.Background(), Recipient{}, Message{}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected no recipient, got %v", err)
	}
	if _, err := sender.Send(context.Background(), Recipient{Email: "a@b.tn"}, Message{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestEmailSenderRelayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	sender, _ := NewEmailSender(EmailConfig{Endpoint: srv.URL})
	_, err := sender.Send(context.Background(), Recipient{Email: "a@b.tn"}, Message{Title: "t", Body: "b"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected relay error, got %v", err)
	}
}

type stubFCM struct {
	sendFn func(context.Context, *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

func (s *stubFCM) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	return s.sendFn(ctx, msg)
}

var errGone = errors.New("registration-token-not-registered")

func TestPushSenderReportsInactiveSubscriptions(t *testing.T) {
	var sent *messaging.MulticastMessage
	sender := &PushSender{
		client: &stubFCM{sendFn: func(_ context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
			sent = msg
			return &messaging.BatchResponse{
				SuccessCount: 1,
				FailureCount: 1,
				Responses: []*messaging.SendResponse{
					{Success: true, MessageID: "m1"},
					{Success: false, Error: errGone},
				},
			}, nil
		}},
		gone: func(err error) bool { return errors.Is(err, errGone) },
	}
	res, err := sender.Send(context.Background(), Recipient{PushSubscriptions: []domain.PushSubscription{
		{ID: "sub_1", Token: "t1", Active: true},
		{ID: "sub_2", Token: "t2", Active: true},
		{ID: "sub_3", Token: "t3", Active: false},
	}}, Message{Title: "Shipped", Priority: domain.NotificationPriorityUrgent, OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sent.Tokens) != 2 || sent.Android.Priority != "high" || sent.Data["orderId"] != "ord_1" {
		t.Fatalf("unexpected multicast %+v", sent)
	}
	if len(res.InactiveSubscriptions) != 1 || res.InactiveSubscriptions[0] != "sub_2" || res.ProviderMessageID != "m1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPushSenderAllFailed(t *testing.T) {
	sender := &PushSender{
		client: &stubFCM{sendFn: func(context.Context, *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
			return &messaging.BatchResponse{FailureCount: 1, Responses: []*messaging.SendResponse{{Error: errGone}}}, nil
		}},
		gone: func(err error) bool { return errors.Is(err, errGone) },
	}
	res, err := sender.Send(context.Background(), Recipient{PushSubscriptions: []domain.PushSubscription{{ID: "sub_1", Token: "t1", Active: true}}}, Message{})
	if err == nil {
		t.Fatalf("expected failure when no device accepted")
	}
	if len(res.InactiveSubscriptions) != 1 {
		t.Fatalf("inactive subscriptions must be reported even on failure")
	}
}

func TestPushSenderWithoutSubscriptions(t *testing.T) {
	sender := &PushSender{client: &stubFCM{}, gone: tokenGone}
	if _, err := sender.Send(context.Background(), Recipient{}, Message{}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected no recipient, got %v", err)
	}
}
