package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/auth"
	"github.com/medina-market/api/internal/platform/httpx"
	"github.com/medina-market/api/internal/platform/pagination"
	"github.com/medina-market/api/internal/services"
)

const (
	defaultNotificationPageSize = 30
	maxNotificationPageSize     = 100
)

// MeHandlers exposes notification settings and history for the authenticated customer.
type MeHandlers struct {
	authn         *auth.Authenticator
	preferences   services.NotificationPreferenceService
	notifications services.NotificationService
}

// NewMeHandlers constructs a new MeHandlers instance.
func NewMeHandlers(authn *auth.Authenticator, preferences services.NotificationPreferenceService, notifications services.NotificationService) *MeHandlers {
	return &MeHandlers{
		authn:         authn,
		preferences:   preferences,
		notifications: notifications,
	}
}

// Routes registers the /me endpoints.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/notification-preferences", h.getPreferences)
	r.Patch("/notification-preferences", h.updatePreferences)
	r.Post("/push-subscriptions", h.subscribe)
	r.Delete("/push-subscriptions/{subscriptionID}", h.unsubscribe)
	r.Get("/notifications", h.listNotifications)
	r.Post("/notifications/{notificationID}:read", h.markRead)
}

type channelPreferencePayload struct {
	Enabled         bool `json:"enabled"`
	OrderUpdates    bool `json:"order_updates"`
	DeliveryUpdates bool `json:"delivery_updates"`
	Promotions      bool `json:"promotions"`
	Newsletter      bool `json:"newsletter"`
}

type quietHoursPayload struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

type pushSubscriptionPayload struct {
	ID         string `json:"id"`
	Platform   string `json:"platform"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

type preferencesPayload struct {
	Email             string                                                  `json:"email,omitempty"`
	Phone             string                                                  `json:"phone,omitempty"`
	Locale            string                                                  `json:"locale"`
	Channels          map[domain.NotificationChannel]channelPreferencePayload `json:"channels"`
	PushSubscriptions []pushSubscriptionPayload                               `json:"push_subscriptions"`
	QuietHours        quietHoursPayload                                       `json:"quiet_hours"`
	UpdatedAt         string                                                  `json:"updated_at,omitempty"`
}

type channelPatchRequest struct {
	Enabled         *bool `json:"enabled"`
	OrderUpdates    *bool `json:"order_updates"`
	DeliveryUpdates *bool `json:"delivery_updates"`
	Promotions      *bool `json:"promotions"`
	Newsletter      *bool `json:"newsletter"`
}

type quietHoursRequest struct {
	Enabled  *bool  `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

type updatePreferencesRequest struct {
	Email      *string                        `json:"email"`
	Phone      *string                        `json:"phone"`
	Locale     *string                        `json:"locale"`
	Channels   map[string]channelPatchRequest `json:"channels"`
	QuietHours *quietHoursRequest             `json:"quiet_hours"`
}

type subscribePushRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type notificationPayload struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id,omitempty"`
	Channel       string `json:"channel"`
	Category      string `json:"category"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
	SentAt        string `json:"sent_at,omitempty"`
	ReadAt        string `json:"read_at,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func (h *MeHandlers) getPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preferences == nil {
		httpx.WriteError(ctx, w, httpx.NewError("preference_service_unavailable", "notification preference service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return
	}
	prefs, err := h.preferences.Get(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"preferences": buildPreferencesPayload(prefs)})
}

func (h *MeHandlers) updatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preferences == nil {
		httpx.WriteError(ctx, w, httpx.NewError("preference_service_unavailable", "notification preference service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return
	}
	var req updatePreferencesRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	cmd := services.UpdatePreferencesCommand{
		CustomerID: identity.UID,
		Email:      req.Email,
		Phone:      req.Phone,
		Locale:     req.Locale,
	}
	if len(req.Channels) > 0 {
		cmd.Channels = make(map[domain.NotificationChannel]services.ChannelPreferencePatch, len(req.Channels))
		for name, patch := range req.Channels {
			channel, ok := domain.ParseNotificationChannel(name)
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown channel "+strings.TrimSpace(name), http.StatusBadRequest))
				return
			}
			cmd.Channels[channel] = services.ChannelPreferencePatch{
				Enabled:         patch.Enabled,
				OrderUpdates:    patch.OrderUpdates,
				DeliveryUpdates: patch.DeliveryUpdates,
				Promotions:      patch.Promotions,
				Newsletter:      patch.Newsletter,
			}
		}
	}
	if req.QuietHours != nil {
		qh := domain.QuietHours{
			Start:    req.QuietHours.Start,
			End:      req.QuietHours.End,
			Timezone: req.QuietHours.Timezone,
		}
		if req.QuietHours.Enabled != nil {
			qh.Enabled = *req.QuietHours.Enabled
		} else {
			current, err := h.preferences.Get(ctx, identity.UID)
			if err != nil {
				writeServiceError(ctx, w, err)
				return
			}
			qh.Enabled = current.QuietHours.Enabled
		}
		cmd.QuietHours = &qh
	}

	prefs, err := h.preferences.Update(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"preferences": buildPreferencesPayload(prefs)})
}

func (h *MeHandlers) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preferences == nil {
		httpx.WriteError(ctx, w, httpx.NewError("preference_service_unavailable", "notification preference service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return
	}
	var req subscribePushRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	sub, err := h.preferences.Subscribe(ctx, services.SubscribePushCommand{
		CustomerID: identity.UID,
		Token:      req.Token,
		Platform:   req.Platform,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"subscription": buildPushSubscriptionPayload(sub)})
}

func (h *MeHandlers) unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preferences == nil {
		httpx.WriteError(ctx, w, httpx.NewError("preference_service_unavailable", "notification preference service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return
	}
	if err := h.preferences.Unsubscribe(ctx, identity.UID, chi.URLParam(r, "subscriptionID")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MeHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultNotificationPageSize,
		MaxPageSize:     maxNotificationPageSize,
	})
	if err != nil {
		writePaginationError(ctx, w, err)
		return
	}
	page, err := h.notifications.ListLogs(ctx, identity.UID, pageFrom(params))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]notificationPayload, 0, len(page.Items))
	for _, log := range page.Items {
		items = append(items, buildNotificationPayload(log))
	}
	response := map[string]any{"items": items}
	if page.NextPageToken != "" {
		response["next_page_token"] = page.NextPageToken
	}
	writeJSONResponse(w, http.StatusOK, response)
}

func (h *MeHandlers) markRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity := requireIdentity(ctx, w)
	if identity == nil {
		return
	}
	log, err := h.notifications.MarkRead(ctx, identity.UID, chi.URLParam(r, "notificationID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"notification": buildNotificationPayload(log)})
}

func buildPreferencesPayload(prefs services.NotificationPreferences) preferencesPayload {
	payload := preferencesPayload{
		Email:  prefs.Email,
		Phone:  prefs.Phone,
		Locale: prefs.Locale,
		Channels: map[domain.NotificationChannel]channelPreferencePayload{
			domain.NotificationChannelEmail: channelPayload(prefs.EmailChannel),
			domain.NotificationChannelSMS:   channelPayload(prefs.SMSChannel),
			domain.NotificationChannelPush:  channelPayload(prefs.PushChannel),
		},
		PushSubscriptions: make([]pushSubscriptionPayload, 0, len(prefs.PushSubscriptions)),
		QuietHours: quietHoursPayload{
			Enabled:  prefs.QuietHours.Enabled,
			Start:    prefs.QuietHours.Start,
			End:      prefs.QuietHours.End,
			Timezone: prefs.QuietHours.Timezone,
		},
		UpdatedAt: formatTime(prefs.UpdatedAt),
	}
	for _, sub := range prefs.PushSubscriptions {
		payload.PushSubscriptions = append(payload.PushSubscriptions, buildPushSubscriptionPayload(sub))
	}
	return payload
}

func channelPayload(c domain.CategoryPreferences) channelPreferencePayload {
	return channelPreferencePayload{
		Enabled:         c.Enabled,
		OrderUpdates:    c.OrderUpdates,
		DeliveryUpdates: c.DeliveryUpdates,
		Promotions:      c.Promotions,
		Newsletter:      c.Newsletter,
	}
}

// buildPushSubscriptionPayload never echoes the device token.
func buildPushSubscriptionPayload(sub domain.PushSubscription) pushSubscriptionPayload {
	return pushSubscriptionPayload{
		ID:         sub.ID,
		Platform:   sub.Platform,
		Active:     sub.Active,
		CreatedAt:  formatTime(sub.CreatedAt),
		LastUsedAt: formatTimePtr(sub.LastUsedAt),
	}
}

func buildNotificationPayload(log services.NotificationLog) notificationPayload {
	return notificationPayload{
		ID:            log.ID,
		OrderID:       log.OrderID,
		Channel:       string(log.Channel),
		Category:      string(log.Category),
		Title:         log.Title,
		Message:       log.Message,
		Priority:      string(log.Priority),
		Status:        string(log.Status),
		SentAt:        formatTimePtr(log.SentAt),
		ReadAt:        formatTimePtr(log.ReadAt),
		FailureReason: log.FailureReason,
		CreatedAt:     formatTime(log.CreatedAt),
	}
}
