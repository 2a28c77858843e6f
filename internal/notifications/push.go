package notifications

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"

	domain "github.com/medina-market/api/internal/domain"
)

// fcmClient is the subset of the Firebase messaging client used by the push sender.
type fcmClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// PushSender fans a message out to every active FCM subscription.
type PushSender struct {
	client fcmClient
	gone   func(error) bool
}

// NewPushSender wraps a Firebase messaging client.
func NewPushSender(client *messaging.Client) *PushSender {
	sender := &PushSender{gone: tokenGone}
	if client != nil {
		sender.client = client
	}
	return sender
}

func tokenGone(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err)
}

func (*PushSender) Channel() domain.NotificationChannel { return domain.NotificationChannelPush }

// Send delivers to all active subscriptions. It succeeds when at least one device accepted the
// message; subscriptions FCM reports as unregistered are returned for pruning.
func (s *PushSender) Send(ctx context.Context, to Recipient, msg Message) (Result, error) {
	if s.client == nil {
		return Result{}, ErrNotConfigured
	}
	var subs []domain.PushSubscription
	for _, sub := range to.PushSubscriptions {
		if sub.Active && sub.Token != "" {
			subs = append(subs, sub)
		}
	}
	if len(subs) == 0 {
		return Result{}, ErrNoRecipient
	}

	tokens := make([]string, len(subs))
	for i, sub := range subs {
		tokens[i] = sub.Token
	}
	data := make(map[string]string, len(msg.Data)+2)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["category"] = string(msg.Category)
	if msg.OrderID != "" {
		data["orderId"] = msg.OrderID
	}
	priority := "normal"
	if msg.Priority == domain.NotificationPriorityHigh || msg.Priority == domain.NotificationPriorityUrgent {
		priority = "high"
	}

	resp, err := s.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         data,
		Android:      &messaging.AndroidConfig{Priority: priority},
	})
	if err != nil {
		return Result{}, fmt.Errorf("notifications: fcm multicast: %w", err)
	}

	var result Result
	var lastErr error
	for i, r := range resp.Responses {
		if i >= len(subs) {
			break
		}
		if r.Success {
			if result.ProviderMessageID == "" {
				result.ProviderMessageID = r.MessageID
			}
			continue
		}
		lastErr = r.Error
		if s.gone(r.Error) {
			result.InactiveSubscriptions = append(result.InactiveSubscriptions, subs[i].ID)
		}
	}
	if resp.SuccessCount == 0 {
		if lastErr == nil {
			lastErr = errors.New("no device accepted the message")
		}
		return result, fmt.Errorf("notifications: push delivery failed: %w", lastErr)
	}
	return result, nil
}
