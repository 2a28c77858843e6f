package domain

import (
	"strings"
	"time"
)

// NotificationChannel is a delivery medium for customer notifications.
type NotificationChannel string

const (
	NotificationChannelEmail NotificationChannel = "email"
	NotificationChannelSMS   NotificationChannel = "sms"
	NotificationChannelPush  NotificationChannel = "push"
)

// DefaultNotificationChannels is the fan-out set used for order status changes.
var DefaultNotificationChannels = []NotificationChannel{
	NotificationChannelEmail,
	NotificationChannelSMS,
	NotificationChannelPush,
}

// ParseNotificationChannel normalises raw channel input.
func ParseNotificationChannel(raw string) (NotificationChannel, bool) {
	channel := NotificationChannel(strings.ToLower(strings.TrimSpace(raw)))
	switch channel {
	case NotificationChannelEmail, NotificationChannelSMS, NotificationChannelPush:
		return channel, true
	default:
		return channel, false
	}
}

// NotificationCategory groups notifications for preference filtering.
type NotificationCategory string

const (
	NotificationCategoryOrderUpdate NotificationCategory = "order_update"
	NotificationCategoryDelivery    NotificationCategory = "delivery"
	NotificationCategoryPromotion   NotificationCategory = "promotion"
	NotificationCategoryNewsletter  NotificationCategory = "newsletter"
)

// Valid reports whether the category is known.
func (c NotificationCategory) Valid() bool {
	switch c {
	case NotificationCategoryOrderUpdate, NotificationCategoryDelivery,
		NotificationCategoryPromotion, NotificationCategoryNewsletter:
		return true
	default:
		return false
	}
}

// NotificationPriority controls quiet-hours suppression.
type NotificationPriority string

const (
	NotificationPriorityLow    NotificationPriority = "low"
	NotificationPriorityNormal NotificationPriority = "normal"
	NotificationPriorityHigh   NotificationPriority = "high"
	NotificationPriorityUrgent NotificationPriority = "urgent"
)

// Valid reports whether the priority is known.
func (p NotificationPriority) Valid() bool {
	switch p {
	case NotificationPriorityLow, NotificationPriorityNormal, NotificationPriorityHigh, NotificationPriorityUrgent:
		return true
	default:
		return false
	}
}

// NotificationStatus is the outcome recorded on a notification log.
type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusFailed    NotificationStatus = "failed"
	NotificationStatusRead      NotificationStatus = "read"
)

// CategoryPreferences is the per-category opt-in matrix for a single channel.
type CategoryPreferences struct {
	Enabled         bool
	OrderUpdates    bool
	DeliveryUpdates bool
	Promotions      bool
	Newsletter      bool
}

// Allows reports whether the channel accepts the category.
func (c CategoryPreferences) Allows(category NotificationCategory) bool {
	if !c.Enabled {
		return false
	}
	switch category {
	case NotificationCategoryOrderUpdate:
		return c.OrderUpdates
	case NotificationCategoryDelivery:
		return c.DeliveryUpdates
	case NotificationCategoryPromotion:
		return c.Promotions
	case NotificationCategoryNewsletter:
		return c.Newsletter
	default:
		return false
	}
}

// PushSubscription is a registered device or browser endpoint.
type PushSubscription struct {
	ID         string
	Token      string
	Platform   string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// QuietHours is a local-time window in which non-urgent notifications are suppressed.
type QuietHours struct {
	Enabled  bool
	Start    string
	End      string
	Timezone string
}

// NotificationPreferences is the per-customer channel and category matrix.
type NotificationPreferences struct {
	CustomerID        string
	Email             string
	Phone             string
	Locale            string
	EmailChannel      CategoryPreferences
	SMSChannel        CategoryPreferences
	PushChannel       CategoryPreferences
	PushSubscriptions []PushSubscription
	QuietHours        QuietHours
	CreatedAt         time.Time
	UpdatedAt         time.Time
	// Version increments on every save; 0 means never stored.
	Version int64
}

// Channel returns the matrix row for a channel.
func (p NotificationPreferences) Channel(channel NotificationChannel) CategoryPreferences {
	switch channel {
	case NotificationChannelEmail:
		return p.EmailChannel
	case NotificationChannelSMS:
		return p.SMSChannel
	case NotificationChannelPush:
		return p.PushChannel
	default:
		return CategoryPreferences{}
	}
}

// ActivePushSubscriptions filters out pruned subscriptions.
func (p NotificationPreferences) ActivePushSubscriptions() []PushSubscription {
	active := make([]PushSubscription, 0, len(p.PushSubscriptions))
	for _, sub := range p.PushSubscriptions {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// DefaultNotificationPreferences returns the opt-in set assigned on first access.
func DefaultNotificationPreferences(customerID string, now time.Time) NotificationPreferences {
	transactional := CategoryPreferences{Enabled: true, OrderUpdates: true, DeliveryUpdates: true}
	email := transactional
	email.Promotions = true
	email.Newsletter = true
	return NotificationPreferences{
		CustomerID:   customerID,
		Locale:       "fr-TN",
		EmailChannel: email,
		SMSChannel:   transactional,
		PushChannel:  transactional,
		QuietHours: QuietHours{
			Start:    "22:00",
			End:      "08:00",
			Timezone: "Africa/Tunis",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NotificationLog is an append-only record of one delivery attempt on one channel.
type NotificationLog struct {
	ID            string
	CustomerID    string
	OrderID       string
	Channel       NotificationChannel
	Category      NotificationCategory
	Title         string
	Message       string
	Priority      NotificationPriority
	Status        NotificationStatus
	SentAt        *time.Time
	DeliveredAt   *time.Time
	FailedAt      *time.Time
	ReadAt        *time.Time
	FailureReason string
	CreatedAt     time.Time
}
