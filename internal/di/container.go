package di

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/notifications"
	"github.com/medina-market/api/internal/payments"
	"github.com/medina-market/api/internal/platform/config"
	"github.com/medina-market/api/internal/platform/observability"
	"github.com/medina-market/api/internal/repositories"
	"github.com/medina-market/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders        services.OrderService
	Payments      services.PaymentService
	Notifications services.NotificationService
	Preferences   services.NotificationPreferenceService
	Counters      services.CounterService
	System        services.SystemService
}

// Infrastructure carries the clients built at process start that services depend on. Every
// field is optional; missing collaborators disable the matching feature.
type Infrastructure struct {
	Providers *payments.Registry
	Senders   []notifications.Sender
	Archive   services.WebhookArchiver
	Events    services.OrderEventPublisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
	Build     services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services

	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eventLogger := func(name string) func(context.Context, string, map[string]any) {
		return observability.NewEventLogger(logger.Named(name))
	}

	var (
		paymentMetrics      services.PaymentMetrics
		notificationMetrics services.NotificationMetrics
	)
	if infra.Metrics != nil {
		paymentMetrics = infra.Metrics
		notificationMetrics = infra.Metrics
	}

	providers := infra.Providers
	if providers == nil {
		var err error
		providers, err = NewPaymentProviders(cfg, nil)
		if err != nil {
			return Services{}, fmt.Errorf("build payment providers: %w", err)
		}
	}

	businessDay, err := time.LoadLocation(cfg.Pricing.Timezone)
	if err != nil {
		return Services{}, fmt.Errorf("load business timezone %q: %w", cfg.Pricing.Timezone, err)
	}
	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      clock,
		Location:   businessDay,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	prefSvc, err := services.NewNotificationPreferenceService(services.NotificationPreferenceServiceDeps{
		Preferences: reg.NotificationPreferences(),
		Clock:       clock,
		Logger:      eventLogger("preferences"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification preference service: %w", err)
	}
	svc.Preferences = prefSvc

	notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
		Preferences: prefSvc,
		Logs:        reg.NotificationLogs(),
		Senders:     infra.Senders,
		Metrics:     notificationMetrics,
		Clock:       clock,
		Logger:      eventLogger("notifications"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification service: %w", err)
	}
	svc.Notifications = notificationSvc

	fees, err := parsePaymentFees(cfg.Payments.Fees)
	if err != nil {
		return Services{}, err
	}
	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   reg.Orders(),
		Products: reg.Products(),
		Counters: counterSvc,
		Pricing: services.PricingRules{
			Currency:              cfg.Pricing.Currency,
			ShippingFlat:          cfg.Pricing.ShippingFlat,
			FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
			UrgentSurcharge:       cfg.Pricing.UrgentSurcharge,
			TaxBasisPoints:        cfg.Pricing.TaxBasisPoints,
			PaymentFees:           fees,
			ValidateProducts:      cfg.Pricing.ValidateProducts,
		},
		Notifier: notificationSvc,
		Events:   infra.Events,
		Clock:    clock,
		Logger:   eventLogger("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Payments:        reg.Payments(),
		Webhooks:        reg.WebhookEvents(),
		Orders:          orderSvc,
		Providers:       providers,
		Archive:         infra.Archive,
		Metrics:         paymentMetrics,
		Events:          infra.Events,
		CallbackBaseURL: cfg.Payments.CallbackBaseURL,
		ReturnURL:       cfg.Payments.ReturnURL,
		MaxAttempts:     cfg.Payments.MaxAttempts,
		StaleAfter:      cfg.Payments.StaleAfter,
		Clock:           clock,
		Logger:          eventLogger("payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            infra.Build,
			PaymentMethods:   paymentSvc.AvailableMethods,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

// NewPaymentProviders registers the manual methods plus every gateway adapter. Adapters without
// credentials stay registered but report themselves disabled.
func NewPaymentProviders(cfg config.Config, logger *zap.Logger) (*payments.Registry, error) {
	gatewayOpts := []payments.GatewayOption{payments.WithTimeout(cfg.Payments.GatewayTimeout)}

	var stripeLogger payments.StripeLogger
	if logger != nil {
		stripeLogger = payments.StripeLogger(observability.NewEventLogger(logger.Named("stripe")))
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.Payments.Stripe.APIKey,
		WebhookSecret: cfg.Payments.Stripe.WebhookSecret,
		Logger:        stripeLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}

	return payments.NewRegistry(
		payments.NewCashOnDeliveryProvider(),
		payments.NewBankTransferProvider(cfg.Payments.BankTransfer),
		payments.NewPaymeeProvider(cfg.Payments.Paymee, gatewayOpts...),
		payments.NewFlouciProvider(cfg.Payments.Flouci, gatewayOpts...),
		payments.NewKonnectProvider(cfg.Payments.Konnect, gatewayOpts...),
		stripeProvider,
	)
}

// NewNotificationSenders builds the email and SMS relays plus the FCM sender when a messaging
// client is supplied. Senders without an endpoint are skipped.
func NewNotificationSenders(cfg config.Config, push *notifications.PushSender) ([]notifications.Sender, error) {
	var senders []notifications.Sender
	n := cfg.Notifications
	if strings.TrimSpace(n.EmailEndpoint) != "" {
		email, err := notifications.NewEmailSender(notifications.EmailConfig{
			Endpoint:        n.EmailEndpoint,
			APIKey:          n.EmailAPIKey,
			From:            n.EmailFrom,
			TrackingBaseURL: n.TrackingBaseURL,
			Timeout:         n.SenderTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("email sender: %w", err)
		}
		senders = append(senders, email)
	}
	if strings.TrimSpace(n.SMSEndpoint) != "" {
		senders = append(senders, notifications.NewSMSSender(notifications.SMSConfig{
			Endpoint:    n.SMSEndpoint,
			APIKey:      n.SMSAPIKey,
			Sender:      n.SMSSender,
			CountryCode: n.PhoneCountryCode,
			Timeout:     n.SenderTimeout,
		}))
	}
	if push != nil && n.PushEnabled {
		senders = append(senders, push)
	}
	return senders, nil
}

// parsePaymentFees reads method=fee pairs where fee is in minor units.
func parsePaymentFees(raw map[string]string) (map[domain.PaymentMethod]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	fees := make(map[domain.PaymentMethod]int64, len(raw))
	for key, value := range raw {
		method, ok := domain.ParsePaymentMethod(key)
		if !ok {
			return nil, fmt.Errorf("payment fees: unknown method %q", key)
		}
		fee, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || fee < 0 {
			return nil, fmt.Errorf("payment fees: invalid fee for %s", method)
		}
		fees[method] = fee
	}
	return fees, nil
}
