package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/notifications"
	"github.com/medina-market/api/internal/repositories"
)

const (
	notificationLogPrefix = "ntf_"

	dispatchReasonQuietHours   = "quiet_hours"
	dispatchReasonNoContact    = "no_contact"
	channelReasonPreference    = "disabled_by_preference"
	channelReasonNoRecipient   = "no_recipient"
	channelReasonNotConfigured = "channel_unavailable"

	channelStatusSent    = "sent"
	channelStatusFailed  = "failed"
	channelStatusSkipped = "skipped"

	defaultQuietHoursZone = "Africa/Tunis"
)

// NotificationMetrics receives per-channel delivery counters.
type NotificationMetrics interface {
	RecordNotification(ctx context.Context, channel, status string)
}

// NotificationServiceDeps bundles collaborators for the notification dispatcher.
type NotificationServiceDeps struct {
	Preferences NotificationPreferenceService
	Logs        repositories.NotificationLogRepository
	Senders     []notifications.Sender
	Metrics     NotificationMetrics
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	prefs   NotificationPreferenceService
	logs    repositories.NotificationLogRepository
	senders map[domain.NotificationChannel]notifications.Sender
	metrics NotificationMetrics
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

var _ NotificationService = (*notificationService)(nil)

// NewNotificationService constructs the dispatcher. Channels without a sender are reported as
// unavailable rather than failing construction.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Preferences == nil {
		return nil, errors.New("notification service: preference service is required")
	}
	if deps.Logs == nil {
		return nil, errors.New("notification service: log repository is required")
	}
	senders := make(map[domain.NotificationChannel]notifications.Sender, len(deps.Senders))
	for _, sender := range deps.Senders {
		if sender == nil {
			continue
		}
		if _, dup := senders[sender.Channel()]; dup {
			return nil, fmt.Errorf("notification service: duplicate sender for %s", sender.Channel())
		}
		senders[sender.Channel()] = sender
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &notificationService{
		prefs:   deps.Preferences,
		logs:    deps.Logs,
		senders: senders,
		metrics: deps.Metrics,
		clock:   func() time.Time { return clock().UTC() },
		newID:   idGen,
		logger:  logger,
	}, nil
}

func (s *notificationService) Dispatch(ctx context.Context, cmd DispatchCommand) (DispatchResult, error) {
	content := cmd.Notification
	content.Title = strings.TrimSpace(content.Title)
	content.Message = strings.TrimSpace(content.Message)
	if content.Title == "" || content.Message == "" {
		return DispatchResult{}, validationError("notification title and message are required")
	}
	if !content.Category.Valid() {
		return DispatchResult{}, validationError("unknown notification category %q", content.Category)
	}
	if content.Priority == "" {
		content.Priority = domain.NotificationPriorityNormal
	}
	if !content.Priority.Valid() {
		return DispatchResult{}, validationError("unknown notification priority %q", content.Priority)
	}

	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" && cmd.Contact == nil {
		return DispatchResult{}, validationError("customer id or contact is required")
	}

	now := s.clock()
	var prefs NotificationPreferences
	if customerID != "" {
		loaded, err := s.prefs.Get(ctx, customerID)
		if err != nil {
			return DispatchResult{}, err
		}
		prefs = loaded
	} else {
		prefs = domain.DefaultNotificationPreferences("", now)
	}

	if content.Priority != domain.NotificationPriorityUrgent && inQuietHours(now, prefs.QuietHours) {
		s.logger(ctx, "notification.skipped.quiet_hours", map[string]any{
			"customerId": customerID,
			"category":   string(content.Category),
		})
		return DispatchResult{Skipped: true, Reason: dispatchReasonQuietHours}, nil
	}

	recipient := notifications.Recipient{
		CustomerID:        customerID,
		Email:             prefs.Email,
		Phone:             prefs.Phone,
		Locale:            prefs.Locale,
		PushSubscriptions: prefs.ActivePushSubscriptions(),
	}
	if cmd.Contact != nil {
		recipient.Name = strings.TrimSpace(cmd.Contact.Name)
		recipient.Email = firstNonBlank(recipient.Email, cmd.Contact.Email)
		recipient.Phone = firstNonBlank(recipient.Phone, cmd.Contact.Phone)
	}
	msg := notifications.Message{
		Category: content.Category,
		Priority: content.Priority,
		Title:    content.Title,
		Body:     content.Message,
		OrderID:  strings.TrimSpace(content.OrderID),
		Data:     content.Data,
	}

	channels := cmd.Channels
	if len(channels) == 0 {
		channels = domain.DefaultNotificationChannels
	}

	result := DispatchResult{Channels: make([]ChannelResult, 0, len(channels))}
	for _, channel := range channels {
		outcome := s.deliver(ctx, channel, prefs, recipient, msg, content)
		if outcome.Status == channelStatusSent {
			result.Success = true
		}
		result.Channels = append(result.Channels, outcome)
	}
	return result, nil
}

// deliver sends on one channel. Failures are logged and reported, never returned.
func (s *notificationService) deliver(ctx context.Context, channel domain.NotificationChannel, prefs NotificationPreferences, to notifications.Recipient, msg notifications.Message, content NotificationContent) ChannelResult {
	out := ChannelResult{Channel: channel}
	if !prefs.Channel(channel).Allows(content.Category) {
		out.Status, out.Reason = channelStatusSkipped, channelReasonPreference
		return out
	}
	sender, ok := s.senders[channel]
	if !ok {
		out.Status, out.Reason = channelStatusSkipped, channelReasonNotConfigured
		return out
	}

	res, err := sender.Send(ctx, to, msg)
	if len(res.InactiveSubscriptions) > 0 && to.CustomerID != "" {
		if derr := s.prefs.Deactivate(ctx, to.CustomerID, res.InactiveSubscriptions); derr != nil {
			s.logger(ctx, "notification.push.prune.failed", map[string]any{
				"customerId": to.CustomerID,
				"error":      derr.Error(),
			})
		}
	}
	if errors.Is(err, notifications.ErrNoRecipient) {
		out.Status, out.Reason = channelStatusSkipped, channelReasonNoRecipient
		return out
	}
	if errors.Is(err, notifications.ErrNotConfigured) {
		out.Status, out.Reason = channelStatusSkipped, channelReasonNotConfigured
		return out
	}

	now := s.clock()
	log := domain.NotificationLog{
		ID:         notificationLogPrefix + s.newID(),
		CustomerID: to.CustomerID,
		OrderID:    msg.OrderID,
		Channel:    channel,
		Category:   content.Category,
		Title:      content.Title,
		Message:    content.Message,
		Priority:   content.Priority,
		CreatedAt:  now,
	}
	if err != nil {
		log.Status = domain.NotificationStatusFailed
		log.FailedAt = &now
		log.FailureReason = err.Error()
		out.Status, out.Reason = channelStatusFailed, err.Error()
		s.logger(ctx, "notification.send.failed", map[string]any{
			"channel":    string(channel),
			"customerId": to.CustomerID,
			"orderId":    msg.OrderID,
			"error":      err.Error(),
		})
	} else {
		log.Status = domain.NotificationStatusSent
		log.SentAt = &now
		out.Status = channelStatusSent
	}

	if ierr := s.logs.Insert(ctx, log); ierr != nil {
		s.logger(ctx, "notification.log.failed", map[string]any{
			"channel": string(channel),
			"error":   ierr.Error(),
		})
	} else {
		out.LogID = log.ID
	}
	if s.metrics != nil {
		s.metrics.RecordNotification(ctx, string(channel), out.Status)
	}
	return out
}

func (s *notificationService) NotifyOrderStatus(ctx context.Context, order Order, previous domain.OrderStatus) (DispatchResult, error) {
	category := domain.NotificationCategoryOrderUpdate
	priority := domain.NotificationPriorityNormal
	if order.Status == domain.OrderStatusDelivered {
		category = domain.NotificationCategoryDelivery
		priority = domain.NotificationPriorityUrgent
	}

	contact := &NotificationContact{
		Name:  order.Customer.FullName(),
		Email: order.Customer.Email,
		Phone: order.Customer.Phone,
	}
	channels := domain.DefaultNotificationChannels
	if order.IsGuest() {
		if strings.TrimSpace(contact.Email) == "" && strings.TrimSpace(contact.Phone) == "" {
			return DispatchResult{Skipped: true, Reason: dispatchReasonNoContact}, nil
		}
		channels = []domain.NotificationChannel{domain.NotificationChannelEmail, domain.NotificationChannelSMS}
	}

	title, message := orderStatusCopy(order)
	data := map[string]string{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"status":      string(order.Status),
	}
	if previous != "" {
		data["previousStatus"] = string(previous)
	}
	if order.TrackingNumber != "" {
		data["trackingNumber"] = order.TrackingNumber
	}
	if order.TrackingCode != "" {
		data["trackingCode"] = order.TrackingCode
	}

	return s.Dispatch(ctx, DispatchCommand{
		CustomerID: order.CustomerID,
		Notification: NotificationContent{
			Category: category,
			Title:    title,
			Message:  message,
			Priority: priority,
			OrderID:  order.ID,
			Data:     data,
		},
		Channels: channels,
		Contact:  contact,
	})
}

func (s *notificationService) MarkRead(ctx context.Context, customerID, logID string) (NotificationLog, error) {
	customerID = strings.TrimSpace(customerID)
	logID = strings.TrimSpace(logID)
	if customerID == "" || logID == "" {
		return NotificationLog{}, validationError("customer id and notification id are required")
	}
	log, err := s.logs.FindByID(ctx, logID)
	if err != nil {
		return NotificationLog{}, mapRepositoryError("notification", err)
	}
	if log.CustomerID != customerID {
		return NotificationLog{}, fmt.Errorf("%w: notification %s", ErrNotFound, logID)
	}
	if log.ReadAt != nil {
		return log, nil
	}
	updated, err := s.logs.MarkRead(ctx, logID, s.clock())
	if err != nil {
		return NotificationLog{}, mapRepositoryError("notification", err)
	}
	return updated, nil
}

func (s *notificationService) ListLogs(ctx context.Context, customerID string, pager Pagination) (domain.CursorPage[NotificationLog], error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CursorPage[NotificationLog]{}, validationError("customer id is required")
	}
	page, err := s.logs.ListByCustomer(ctx, customerID, pager)
	if err != nil {
		return domain.CursorPage[NotificationLog]{}, mapRepositoryError("notification", err)
	}
	return page, nil
}

func orderStatusCopy(order Order) (string, string) {
	number := order.OrderNumber
	switch order.Status {
	case domain.OrderStatusPending:
		return "Order received", fmt.Sprintf("We received order %s and will confirm it shortly.", number)
	case domain.OrderStatusConfirmed:
		return "Order confirmed", fmt.Sprintf("Order %s is confirmed.", number)
	case domain.OrderStatusProcessing:
		return "Order in preparation", fmt.Sprintf("Order %s is being prepared.", number)
	case domain.OrderStatusShipped:
		msg := fmt.Sprintf("Order %s has shipped.", number)
		if order.TrackingNumber != "" {
			msg += " Tracking number: " + order.TrackingNumber + "."
		}
		return "Order shipped", msg
	case domain.OrderStatusDelivered:
		return "Order delivered", fmt.Sprintf("Order %s was delivered. Thank you for shopping with us.", number)
	case domain.OrderStatusCancelled:
		msg := fmt.Sprintf("Order %s was cancelled.", number)
		if order.CancelReason != "" {
			msg += " Reason: " + order.CancelReason + "."
		}
		return "Order cancelled", msg
	default:
		return "Order update", fmt.Sprintf("Order %s is now %s.", number, order.Status)
	}
}

// inQuietHours reports whether now falls inside the window in the customer's zone. Both ends
// are inclusive and a start after the end wraps past midnight.
func inQuietHours(now time.Time, qh domain.QuietHours) bool {
	if !qh.Enabled {
		return false
	}
	start, err := parseClockMinutes(qh.Start)
	if err != nil {
		return false
	}
	end, err := parseClockMinutes(qh.End)
	if err != nil {
		return false
	}
	loc, err := time.LoadLocation(firstNonBlank(qh.Timezone, defaultQuietHoursZone))
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

func parseClockMinutes(value string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", value)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", value)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("%q has an invalid minute", value)
	}
	return hour*60 + minute, nil
}
