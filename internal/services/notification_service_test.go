package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/notifications"
)

type recordingSender struct {
	channel  domain.NotificationChannel
	err      error
	inactive []string

	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	to  notifications.Recipient
	msg notifications.Message
}

func (s *recordingSender) Channel() domain.NotificationChannel { return s.channel }

func (s *recordingSender) Send(_ context.Context, to notifications.Recipient, msg notifications.Message) (notifications.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{to: to, msg: msg})
	return notifications.Result{InactiveSubscriptions: s.inactive}, s.err
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type notificationFixture struct {
	svc   NotificationService
	prefs NotificationPreferenceService
	repo  *memoryPreferenceRepo
	logs  *memoryLogRepo
	email *recordingSender
	sms   *recordingSender
	push  *recordingSender
}

func newNotificationFixture(t *testing.T, now time.Time, stored ...domain.NotificationPreferences) notificationFixture {
	t.Helper()
	clock := func() time.Time { return now }
	repo := newMemoryPreferenceRepo(stored...)
	prefs, err := NewNotificationPreferenceService(NotificationPreferenceServiceDeps{Preferences: repo, Clock: clock})
	if err != nil {
		t.Fatalf("NewNotificationPreferenceService: %v", err)
	}
	fx := notificationFixture{
		prefs: prefs,
		repo:  repo,
		logs:  &memoryLogRepo{},
		email: &recordingSender{channel: domain.NotificationChannelEmail},
		sms:   &recordingSender{channel: domain.NotificationChannelSMS},
		push:  &recordingSender{channel: domain.NotificationChannelPush},
	}
	seq := 0
	svc, err := NewNotificationService(NotificationServiceDeps{
		Preferences: prefs,
		Logs:        fx.logs,
		Senders:     []notifications.Sender{fx.email, fx.sms, fx.push},
		Clock:       clock,
		IDGenerator: func() string {
			seq++
			return "N" + string(rune('A'+seq))
		},
	})
	if err != nil {
		t.Fatalf("NewNotificationService: %v", err)
	}
	fx.svc = svc
	return fx
}

func quietPrefs(customerID string) domain.NotificationPreferences {
	prefs := domain.DefaultNotificationPreferences(customerID, fixedNow)
	prefs.Email = "amira@example.tn"
	prefs.Phone = "+21620123456"
	prefs.QuietHours = domain.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "Africa/Tunis"}
	return prefs
}

func orderUpdate(priority domain.NotificationPriority) NotificationContent {
	return NotificationContent{
		Category: domain.NotificationCategoryOrderUpdate,
		Title:    "Order shipped",
		Message:  "Order ORD-1 has shipped.",
		Priority: priority,
		OrderID:  "ord_1",
	}
}

func TestNotificationDispatchQuietHoursSkipsNonUrgent(t *testing.T) {
	// 22:30 in Tunis (UTC+1)
	night := time.Date(2025, time.January, 6, 21, 30, 0, 0, time.UTC)
	fx := newNotificationFixture(t, night, quietPrefs("cust-1"))

	res, err := fx.svc.Dispatch(context.Background(), DispatchCommand{CustomerID: "cust-1", Notification: orderUpdate(domain.NotificationPriorityHigh)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Skipped || res.Reason != "quiet_hours" || res.Success {
		t.Fatalf("expected quiet hours skip, got %+v", res)
	}
	if len(fx.logs.snapshot()) != 0 || len(fx.email.messages()) != 0 {
		t.Fatalf("expected nothing sent or logged during quiet hours")
	}

	urgent, err := fx.svc.Dispatch(context.Background(), DispatchCommand{CustomerID: "cust-1", Notification: orderUpdate(domain.NotificationPriorityUrgent)})
	if err != nil {
		t.Fatalf("Dispatch urgent: %v", err)
	}
	if urgent.Skipped || !urgent.Success {
		t.Fatalf("expected urgent dispatch to go through, got %+v", urgent)
	}
}

func TestInQuietHoursBoundaries(t *testing.T) {
	qh := domain.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC"}
	cases := []struct {
		clock string
		want  bool
	}{
		{"21:59", false},
		{"22:00", true},
		{"03:15", true},
		{"08:00", true},
		{"08:01", false},
	}
	for _, tc := range cases {
		at, err := time.Parse("15:04", tc.clock)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.clock, err)
		}
		now := time.Date(2025, time.January, 6, at.Hour(), at.Minute(), 0, 0, time.UTC)
		if got := inQuietHours(now, qh); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.clock, tc.want, got)
		}
	}

	daytime := domain.QuietHours{Enabled: true, Start: "12:00", End: "14:00", Timezone: "UTC"}
	if !inQuietHours(time.Date(2025, time.January, 6, 13, 0, 0, 0, time.UTC), daytime) {
		t.Fatalf("expected non-wrapping window to match")
	}
	if inQuietHours(time.Date(2025, time.January, 6, 23, 0, 0, 0, time.UTC), domain.QuietHours{Start: "22:00", End: "08:00"}) {
		t.Fatalf("disabled window must never match")
	}
}

func TestNotificationDispatchHonoursChannelPreferences(t *testing.T) {
	prefs := quietPrefs("cust-1")
	prefs.QuietHours.Enabled = false
	prefs.SMSChannel.Enabled = false
	prefs.PushChannel.OrderUpdates = false
	fx := newNotificationFixture(t, fixedNow, prefs)

	res, err := fx.svc.Dispatch(context.Background(), DispatchCommand{CustomerID: "cust-1", Notification: orderUpdate(domain.NotificationPriorityNormal)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success || len(res.Channels) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	byChannel := map[domain.NotificationChannel]ChannelResult{}
	for _, c := range res.Channels {
		byChannel[c.Channel] = c
	}
	if byChannel[domain.NotificationChannelEmail].Status != "sent" || byChannel[domain.NotificationChannelEmail].LogID == "" {
		t.Fatalf("expected email sent with log, got %+v", byChannel[domain.NotificationChannelEmail])
	}
	for _, ch := range []domain.NotificationChannel{domain.NotificationChannelSMS, domain.NotificationChannelPush} {
		if byChannel[ch].Reason != "disabled_by_preference" {
			t.Fatalf("expected %s disabled by preference, got %+v", ch, byChannel[ch])
		}
	}
	if logs := fx.logs.snapshot(); len(logs) != 1 || logs[0].Status != domain.NotificationStatusSent {
		t.Fatalf("expected one sent log, got %+v", logs)
	}
}

func TestNotificationDispatchFailureDoesNotAbort(t *testing.T) {
	prefs := quietPrefs("cust-1")
	prefs.QuietHours.Enabled = false
	fx := newNotificationFixture(t, fixedNow, prefs)
	fx.email.err = errors.New("relay down")

	res, err := fx.svc.Dispatch(context.Background(), DispatchCommand{
		CustomerID:   "cust-1",
		Notification: orderUpdate(domain.NotificationPriorityNormal),
		Channels:     []domain.NotificationChannel{domain.NotificationChannelEmail, domain.NotificationChannelSMS},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success via sms, got %+v", res)
	}
	logs := fx.logs.snapshot()
	if len(logs) != 2 || logs[0].Status != domain.NotificationStatusFailed || logs[0].FailureReason != "relay down" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestNotificationDispatchPrunesInactivePush(t *testing.T) {
	prefs := quietPrefs("cust-1")
	prefs.QuietHours.Enabled = false
	prefs.PushSubscriptions = []domain.PushSubscription{
		{ID: "psub_1", Token: "tok-1", Active: true},
		{ID: "psub_2", Token: "tok-2", Active: true},
	}
	fx := newNotificationFixture(t, fixedNow, prefs)
	fx.push.inactive = []string{"psub_2"}

	if _, err := fx.svc.Dispatch(context.Background(), DispatchCommand{
		CustomerID:   "cust-1",
		Notification: orderUpdate(domain.NotificationPriorityNormal),
		Channels:     []domain.NotificationChannel{domain.NotificationChannelPush},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	stored, err := fx.prefs.Get(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(stored.PushSubscriptions) != 1 || stored.PushSubscriptions[0].ID != "psub_1" {
		t.Fatalf("expected psub_2 pruned, got %+v", stored.PushSubscriptions)
	}
}

func TestNotifyOrderStatusGuestUsesSnapshotContact(t *testing.T) {
	fx := newNotificationFixture(t, fixedNow)
	order := seededOrder("ord_1", domain.OrderStatusShipped)
	order.CustomerID = ""
	order.TrackingNumber = "RP-1"

	res, err := fx.svc.NotifyOrderStatus(context.Background(), order, domain.OrderStatusProcessing)
	if err != nil {
		t.Fatalf("NotifyOrderStatus: %v", err)
	}
	if !res.Success || len(res.Channels) != 2 {
		t.Fatalf("expected email and sms only, got %+v", res)
	}
	sent := fx.email.messages()
	if len(sent) != 1 || sent[0].to.Email != "amira@example.tn" {
		t.Fatalf("expected email to snapshot address, got %+v", sent)
	}
	if sent[0].msg.Category != domain.NotificationCategoryOrderUpdate || sent[0].msg.Priority != domain.NotificationPriorityNormal {
		t.Fatalf("unexpected message %+v", sent[0].msg)
	}
	if sent[0].msg.Data["trackingNumber"] != "RP-1" || sent[0].msg.Data["previousStatus"] != "processing" {
		t.Fatalf("unexpected data %+v", sent[0].msg.Data)
	}
	if len(fx.push.messages()) != 0 {
		t.Fatalf("guests have no push channel")
	}

	order.Customer.Email, order.Customer.Phone = "", ""
	skipped, err := fx.svc.NotifyOrderStatus(context.Background(), order, domain.OrderStatusProcessing)
	if err != nil || !skipped.Skipped || skipped.Reason != "no_contact" {
		t.Fatalf("expected no_contact skip, got %+v %v", skipped, err)
	}
}

func TestNotifyOrderStatusDeliveredIsUrgentDelivery(t *testing.T) {
	night := time.Date(2025, time.January, 6, 23, 0, 0, 0, time.UTC)
	fx := newNotificationFixture(t, night, quietPrefs("cust-1"))

	res, err := fx.svc.NotifyOrderStatus(context.Background(), seededOrder("ord_1", domain.OrderStatusDelivered), domain.OrderStatusShipped)
	if err != nil {
		t.Fatalf("NotifyOrderStatus: %v", err)
	}
	if res.Skipped || !res.Success {
		t.Fatalf("expected urgent delivery notice to bypass quiet hours, got %+v", res)
	}
	if msg := fx.email.messages()[0].msg; msg.Category != domain.NotificationCategoryDelivery || msg.Priority != domain.NotificationPriorityUrgent {
		t.Fatalf("unexpected message %+v", msg)
	}

	// an ordinary update at the same hour stays quiet
	shipped, err := fx.svc.NotifyOrderStatus(context.Background(), seededOrder("ord_2", domain.OrderStatusShipped), domain.OrderStatusProcessing)
	if err != nil {
		t.Fatalf("NotifyOrderStatus: %v", err)
	}
	if !shipped.Skipped || shipped.Reason != "quiet_hours" {
		t.Fatalf("expected order update suppressed by quiet hours, got %+v", shipped)
	}
}

func TestNotificationMarkReadChecksOwnership(t *testing.T) {
	prefs := quietPrefs("cust-1")
	prefs.QuietHours.Enabled = false
	fx := newNotificationFixture(t, fixedNow, prefs)
	res, err := fx.svc.Dispatch(context.Background(), DispatchCommand{
		CustomerID:   "cust-1",
		Notification: orderUpdate(domain.NotificationPriorityNormal),
		Channels:     []domain.NotificationChannel{domain.NotificationChannelEmail},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	logID := res.Channels[0].LogID

	if _, err := fx.svc.MarkRead(context.Background(), "cust-2", logID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for another customer, got %v", err)
	}
	read, err := fx.svc.MarkRead(context.Background(), "cust-1", logID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if read.ReadAt == nil || read.Status != domain.NotificationStatusRead {
		t.Fatalf("expected read log, got %+v", read)
	}
	page, err := fx.svc.ListLogs(context.Background(), "cust-1", Pagination{})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("ListLogs: %v %+v", err, page)
	}
}

func TestNotificationDispatchValidation(t *testing.T) {
	fx := newNotificationFixture(t, fixedNow)
	_, err := fx.svc.Dispatch(context.Background(), DispatchCommand{CustomerID: "cust-1", Notification: NotificationContent{Category: "spam", Title: "x", Message: "y"}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = fx.svc.Dispatch(context.Background(), DispatchCommand{Notification: orderUpdate("")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected missing recipient to fail, got %v", err)
	}
}
