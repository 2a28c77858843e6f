package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/medina-market/api/internal/domain"
	pfirestore "github.com/medina-market/api/internal/platform/firestore"
	"github.com/medina-market/api/internal/repositories"
)

const notificationPreferencesCollection = "notification_preferences"

// NotificationPreferenceRepository stores one preference document per customer.
type NotificationPreferenceRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[preferencesDocument]
}

// NewNotificationPreferenceRepository constructs a Firestore-backed preference repository.
func NewNotificationPreferenceRepository(provider *pfirestore.Provider) (*NotificationPreferenceRepository, error) {
	if provider == nil {
		return nil, errors.New("notification preference repository: firestore provider is required")
	}
	return &NotificationPreferenceRepository{
		provider: provider,
		base:     pfirestore.NewCollection[preferencesDocument](provider, notificationPreferencesCollection),
	}, nil
}

var _ repositories.NotificationPreferenceRepository = (*NotificationPreferenceRepository)(nil)

// Get loads the preferences for a customer.
func (r *NotificationPreferenceRepository) Get(ctx context.Context, customerID string) (domain.NotificationPreferences, error) {
	if r == nil || r.base == nil {
		return domain.NotificationPreferences{}, errors.New("notification preference repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.NotificationPreferences{}, errors.New("notification preference repository: customer id is required")
	}
	doc, err := r.base.Get(ctx, customerID)
	if err != nil {
		return domain.NotificationPreferences{}, err
	}
	return decodePreferencesDocument(doc.ID, doc.Data), nil
}

// Save writes the preferences inside a transaction guarded by the stored version.
func (r *NotificationPreferenceRepository) Save(ctx context.Context, prefs domain.NotificationPreferences, expectedVersion int64) (domain.NotificationPreferences, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.NotificationPreferences{}, errors.New("notification preference repository not initialised")
	}
	customerID := strings.TrimSpace(prefs.CustomerID)
	if customerID == "" {
		return domain.NotificationPreferences{}, errors.New("notification preference repository: customer id is required")
	}

	next := encodePreferencesDocument(prefs)
	next.Version = expectedVersion + 1
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.base.TxGet(ctx, tx, customerID)
		switch {
		case pfirestore.IsNotFound(err):
			if expectedVersion != 0 {
				return pfirestore.NewConflictError("notification_preferences.save",
					fmt.Errorf("preferences for %s were removed", customerID))
			}
			return r.base.TxCreate(ctx, tx, customerID, next)
		case err != nil:
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.NewConflictError("notification_preferences.save",
				fmt.Errorf("preferences for %s at version %d, expected %d", customerID, current.Data.Version, expectedVersion))
		}
		return r.base.TxSet(ctx, tx, customerID, next)
	}, pfirestore.WithTxAttempts(1))
	if err != nil {
		return domain.NotificationPreferences{}, err
	}
	return decodePreferencesDocument(customerID, next), nil
}

type channelDocument struct {
	Enabled         bool `firestore:"enabled"`
	OrderUpdates    bool `firestore:"orderUpdates"`
	DeliveryUpdates bool `firestore:"deliveryUpdates"`
	Promotions      bool `firestore:"promotions"`
	Newsletter      bool `firestore:"newsletter"`
}

type pushSubscriptionDocument struct {
	ID         string     `firestore:"id"`
	Token      string     `firestore:"token"`
	Platform   string     `firestore:"platform,omitempty"`
	Active     bool       `firestore:"active"`
	CreatedAt  time.Time  `firestore:"createdAt"`
	LastUsedAt *time.Time `firestore:"lastUsedAt,omitempty"`
}

type quietHoursDocument struct {
	Enabled  bool   `firestore:"enabled"`
	Start    string `firestore:"start"`
	End      string `firestore:"end"`
	Timezone string `firestore:"timezone"`
}

type preferencesDocument struct {
	Email             string                     `firestore:"email,omitempty"`
	Phone             string                     `firestore:"phone,omitempty"`
	Locale            string                     `firestore:"locale,omitempty"`
	Channels          map[string]channelDocument `firestore:"channels"`
	PushSubscriptions []pushSubscriptionDocument `firestore:"pushSubscriptions"`
	QuietHours        quietHoursDocument         `firestore:"quietHours"`
	CreatedAt         time.Time                  `firestore:"createdAt"`
	UpdatedAt         time.Time                  `firestore:"updatedAt"`
	Version           int64                      `firestore:"version"`
}

func encodeChannel(prefs domain.CategoryPreferences) channelDocument {
	return channelDocument{
		Enabled:         prefs.Enabled,
		OrderUpdates:    prefs.OrderUpdates,
		DeliveryUpdates: prefs.DeliveryUpdates,
		Promotions:      prefs.Promotions,
		Newsletter:      prefs.Newsletter,
	}
}

func decodeChannel(doc channelDocument) domain.CategoryPreferences {
	return domain.CategoryPreferences{
		Enabled:         doc.Enabled,
		OrderUpdates:    doc.OrderUpdates,
		DeliveryUpdates: doc.DeliveryUpdates,
		Promotions:      doc.Promotions,
		Newsletter:      doc.Newsletter,
	}
}

func encodePreferencesDocument(prefs domain.NotificationPreferences) preferencesDocument {
	doc := preferencesDocument{
		Email:  prefs.Email,
		Phone:  prefs.Phone,
		Locale: prefs.Locale,
		Channels: map[string]channelDocument{
			string(domain.NotificationChannelEmail): encodeChannel(prefs.EmailChannel),
			string(domain.NotificationChannelSMS):   encodeChannel(prefs.SMSChannel),
			string(domain.NotificationChannelPush):  encodeChannel(prefs.PushChannel),
		},
		QuietHours: quietHoursDocument{
			Enabled:  prefs.QuietHours.Enabled,
			Start:    prefs.QuietHours.Start,
			End:      prefs.QuietHours.End,
			Timezone: prefs.QuietHours.Timezone,
		},
		CreatedAt: prefs.CreatedAt.UTC(),
		UpdatedAt: prefs.UpdatedAt.UTC(),
		Version:   prefs.Version,
	}
	doc.PushSubscriptions = make([]pushSubscriptionDocument, 0, len(prefs.PushSubscriptions))
	for _, sub := range prefs.PushSubscriptions {
		doc.PushSubscriptions = append(doc.PushSubscriptions, pushSubscriptionDocument{
			ID:         sub.ID,
			Token:      sub.Token,
			Platform:   sub.Platform,
			Active:     sub.Active,
			CreatedAt:  sub.CreatedAt.UTC(),
			LastUsedAt: utcPtr(sub.LastUsedAt),
		})
	}
	return doc
}

func decodePreferencesDocument(customerID string, doc preferencesDocument) domain.NotificationPreferences {
	prefs := domain.NotificationPreferences{
		CustomerID:   customerID,
		Email:        doc.Email,
		Phone:        doc.Phone,
		Locale:       doc.Locale,
		EmailChannel: decodeChannel(doc.Channels[string(domain.NotificationChannelEmail)]),
		SMSChannel:   decodeChannel(doc.Channels[string(domain.NotificationChannelSMS)]),
		PushChannel:  decodeChannel(doc.Channels[string(domain.NotificationChannelPush)]),
		QuietHours: domain.QuietHours{
			Enabled:  doc.QuietHours.Enabled,
			Start:    doc.QuietHours.Start,
			End:      doc.QuietHours.End,
			Timezone: doc.QuietHours.Timezone,
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		Version:   doc.Version,
	}
	for _, sub := range doc.PushSubscriptions {
		prefs.PushSubscriptions = append(prefs.PushSubscriptions, domain.PushSubscription{
			ID:         sub.ID,
			Token:      sub.Token,
			Platform:   sub.Platform,
			Active:     sub.Active,
			CreatedAt:  sub.CreatedAt,
			LastUsedAt: sub.LastUsedAt,
		})
	}
	return prefs
}
