package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/repositories"
)

const pushSubscriptionPrefix = "psub_"

var pushPlatforms = []string{"android", "ios", "web"}

// NotificationPreferenceServiceDeps bundles collaborators for the preference service.
type NotificationPreferenceServiceDeps struct {
	Preferences repositories.NotificationPreferenceRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type notificationPreferenceService struct {
	repo   repositories.NotificationPreferenceRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

var _ NotificationPreferenceService = (*notificationPreferenceService)(nil)

// NewNotificationPreferenceService constructs the preference service.
func NewNotificationPreferenceService(deps NotificationPreferenceServiceDeps) (NotificationPreferenceService, error) {
	if deps.Preferences == nil {
		return nil, errors.New("notification preference service: repository is required")
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
	return &notificationPreferenceService{
		repo:   deps.Preferences,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

// Get returns stored preferences, creating the defaults on first access.
func (s *notificationPreferenceService) Get(ctx context.Context, customerID string) (NotificationPreferences, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return NotificationPreferences{}, validationError("customer id is required")
	}
	prefs, err := s.repo.Get(ctx, customerID)
	if err == nil {
		return prefs, nil
	}
	if !isNotFound(err) {
		return NotificationPreferences{}, mapRepositoryError("notification preferences", err)
	}

	created, err := s.repo.Save(ctx, domain.DefaultNotificationPreferences(customerID, s.clock()), 0)
	if isConflict(err) {
		// another request created them first
		prefs, err = s.repo.Get(ctx, customerID)
		if err != nil {
			return NotificationPreferences{}, mapRepositoryError("notification preferences", err)
		}
		return prefs, nil
	}
	if err != nil {
		return NotificationPreferences{}, mapRepositoryError("notification preferences", err)
	}
	s.logger(ctx, "notification.preferences.created", map[string]any{"customerId": customerID})
	return created, nil
}

// mutate applies fn to freshly read preferences and saves them against the read version,
// re-reading on conflict.
func (s *notificationPreferenceService) mutate(ctx context.Context, customerID string, fn func(*NotificationPreferences) (bool, error)) (NotificationPreferences, error) {
	var lastErr error
	for attempt := 1; attempt <= maxConflictAttempts; attempt++ {
		prefs, err := s.Get(ctx, customerID)
		if err != nil {
			return NotificationPreferences{}, err
		}
		changed, err := fn(&prefs)
		if err != nil {
			return NotificationPreferences{}, err
		}
		if !changed {
			return prefs, nil
		}
		prefs.UpdatedAt = s.clock()
		saved, err := s.repo.Save(ctx, prefs, prefs.Version)
		if err == nil {
			return saved, nil
		}
		if !isConflict(err) {
			return NotificationPreferences{}, mapRepositoryError("notification preferences", err)
		}
		lastErr = err
	}
	return NotificationPreferences{}, fmt.Errorf("%w: notification preferences %s modified concurrently: %v", ErrConflict, strings.TrimSpace(customerID), lastErr)
}

func (s *notificationPreferenceService) Update(ctx context.Context, cmd UpdatePreferencesCommand) (NotificationPreferences, error) {
	return s.mutate(ctx, cmd.CustomerID, func(prefs *NotificationPreferences) (bool, error) {
		if cmd.Email != nil {
			email := strings.ToLower(strings.TrimSpace(*cmd.Email))
			if email != "" {
				if _, err := mail.ParseAddress(email); err != nil {
					return false, validationError("email %q is invalid", email)
				}
			}
			prefs.Email = email
		}
		if cmd.Phone != nil {
			prefs.Phone = strings.TrimSpace(*cmd.Phone)
		}
		if cmd.Locale != nil {
			locale, err := canonicalLocale(*cmd.Locale)
			if err != nil {
				return false, err
			}
			prefs.Locale = locale
		}
		for channel, patch := range cmd.Channels {
			if _, ok := domain.ParseNotificationChannel(string(channel)); !ok {
				return false, validationError("unknown channel %q", channel)
			}
			row := prefs.Channel(channel)
			applyChannelPatch(&row, patch)
			switch channel {
			case domain.NotificationChannelEmail:
				prefs.EmailChannel = row
			case domain.NotificationChannelSMS:
				prefs.SMSChannel = row
			case domain.NotificationChannelPush:
				prefs.PushChannel = row
			}
		}
		if cmd.QuietHours != nil {
			qh, err := normalizeQuietHours(*cmd.QuietHours, prefs.QuietHours)
			if err != nil {
				return false, err
			}
			prefs.QuietHours = qh
		}
		return true, nil
	})
}

func (s *notificationPreferenceService) Subscribe(ctx context.Context, cmd SubscribePushCommand) (domain.PushSubscription, error) {
	token := strings.TrimSpace(cmd.Token)
	if token == "" {
		return domain.PushSubscription{}, validationError("push token is required")
	}
	platform := strings.ToLower(strings.TrimSpace(cmd.Platform))
	if platform == "" {
		platform = "web"
	}
	if !slices.Contains(pushPlatforms, platform) {
		return domain.PushSubscription{}, validationError("unsupported push platform %q", cmd.Platform)
	}

	var sub domain.PushSubscription
	_, err := s.mutate(ctx, cmd.CustomerID, func(prefs *NotificationPreferences) (bool, error) {
		now := s.clock()
		idx := slices.IndexFunc(prefs.PushSubscriptions, func(p domain.PushSubscription) bool { return p.Token == token })
		if idx >= 0 {
			existing := &prefs.PushSubscriptions[idx]
			existing.Active = true
			existing.Platform = platform
			existing.LastUsedAt = &now
			sub = *existing
			return true, nil
		}
		sub = domain.PushSubscription{
			ID:        pushSubscriptionPrefix + s.newID(),
			Token:     token,
			Platform:  platform,
			Active:    true,
			CreatedAt: now,
		}
		prefs.PushSubscriptions = append(prefs.PushSubscriptions, sub)
		return true, nil
	})
	if err != nil {
		return domain.PushSubscription{}, err
	}
	return sub, nil
}

func (s *notificationPreferenceService) Unsubscribe(ctx context.Context, customerID, subscriptionID string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return validationError("subscription id is required")
	}
	_, err := s.mutate(ctx, customerID, func(prefs *NotificationPreferences) (bool, error) {
		before := len(prefs.PushSubscriptions)
		prefs.PushSubscriptions = slices.DeleteFunc(prefs.PushSubscriptions, func(p domain.PushSubscription) bool {
			return p.ID == subscriptionID
		})
		if len(prefs.PushSubscriptions) == before {
			return false, fmt.Errorf("%w: push subscription %s", ErrNotFound, subscriptionID)
		}
		return true, nil
	})
	return err
}

// Deactivate prunes subscriptions the push gateway reported as unregistered.
func (s *notificationPreferenceService) Deactivate(ctx context.Context, customerID string, subscriptionIDs []string) error {
	if len(subscriptionIDs) == 0 {
		return nil
	}
	removed := 0
	_, err := s.mutate(ctx, customerID, func(prefs *NotificationPreferences) (bool, error) {
		before := len(prefs.PushSubscriptions)
		prefs.PushSubscriptions = slices.DeleteFunc(prefs.PushSubscriptions, func(p domain.PushSubscription) bool {
			return slices.Contains(subscriptionIDs, p.ID)
		})
		removed = before - len(prefs.PushSubscriptions)
		return removed > 0, nil
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger(ctx, "notification.push.pruned", map[string]any{
			"customerId": strings.TrimSpace(customerID),
			"removed":    removed,
		})
	}
	return nil
}

func applyChannelPatch(row *domain.CategoryPreferences, patch ChannelPreferencePatch) {
	if patch.Enabled != nil {
		row.Enabled = *patch.Enabled
	}
	if patch.OrderUpdates != nil {
		row.OrderUpdates = *patch.OrderUpdates
	}
	if patch.DeliveryUpdates != nil {
		row.DeliveryUpdates = *patch.DeliveryUpdates
	}
	if patch.Promotions != nil {
		row.Promotions = *patch.Promotions
	}
	if patch.Newsletter != nil {
		row.Newsletter = *patch.Newsletter
	}
}

func canonicalLocale(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "", validationError("locale %q is not a valid language tag", raw)
	}
	return tag.String(), nil
}

// normalizeQuietHours validates a replacement window; empty fields keep the current values.
func normalizeQuietHours(in, current domain.QuietHours) (domain.QuietHours, error) {
	out := domain.QuietHours{
		Enabled:  in.Enabled,
		Start:    firstNonBlank(in.Start, current.Start),
		End:      firstNonBlank(in.End, current.End),
		Timezone: firstNonBlank(in.Timezone, current.Timezone),
	}
	if _, err := parseClockMinutes(out.Start); err != nil {
		return domain.QuietHours{}, validationError("quiet hours start: %v", err)
	}
	if _, err := parseClockMinutes(out.End); err != nil {
		return domain.QuietHours{}, validationError("quiet hours end: %v", err)
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return domain.QuietHours{}, validationError("quiet hours timezone %q is unknown", out.Timezone)
		}
	}
	return out, nil
}
