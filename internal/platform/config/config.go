package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	// Pricing.Timezone and quiet hours resolve zones on distroless images.
	_ "time/tzdata"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultCurrency             = "TND"
	defaultBusinessTimezone     = "Africa/Tunis"
	defaultShippingFlat         = 7000
	defaultFreeShippingFrom     = 150000
	defaultUrgentSurcharge      = 10000
	defaultTaxBasisPoints       = 0
	defaultGatewayTimeout       = 10 * time.Second
	defaultPaymentMaxAttempts   = 3
	defaultPaymentStaleAfter    = 30 * time.Minute
	defaultPaymeeBaseURL        = "https://app.paymee.tn/api/v2"
	defaultFlouciBaseURL        = "https://developers.flouci.com/api"
	defaultKonnectBaseURL       = "https://api.konnect.network/api/v2"
	defaultSenderTimeout        = 10 * time.Second
	defaultPhoneCountryCode     = "216"
	defaultOrderEventsTopic     = "order-events"
	defaultArchivePrefix        = "webhooks"
	defaultRateLimitDefault     = 120
	defaultRateLimitTracking    = 30
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultSignatureHeader      = "X-Webhook-Signature"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Storage       StorageConfig
	PubSub        PubSubConfig
	Pricing       PricingConfig
	Payments      PaymentsConfig
	Notifications NotificationsConfig
	RateLimits    RateLimitConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for ID tokens and FCM.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig names the bucket receiving raw webhook payload archives. Empty disables archiving.
type StorageConfig struct {
	WebhookArchiveBucket string
	WebhookArchivePrefix string
}

// PubSubConfig controls order event publication. Empty topic disables publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// PricingConfig holds the server-side pricing rules in minor units.
type PricingConfig struct {
	Currency              string
	ShippingFlat          int64
	FreeShippingThreshold int64
	UrgentSurcharge       int64
	TaxBasisPoints        int64
	ValidateProducts      bool
	// Timezone is the IANA zone whose calendar day scopes order numbers.
	Timezone string
}

// PaymentsConfig groups gateway credentials and orchestration settings.
type PaymentsConfig struct {
	CallbackBaseURL string
	ReturnURL       string
	GatewayTimeout  time.Duration
	MaxAttempts     int
	StaleAfter      time.Duration
	// Fees maps payment method to a flat fee in minor units.
	Fees         map[string]string
	BankTransfer BankTransferConfig
	Paymee       PaymeeConfig
	Flouci       FlouciConfig
	Konnect      KonnectConfig
	Stripe       StripeConfig
}

// BankTransferConfig lists the coordinates shown in bank transfer instructions.
type BankTransferConfig struct {
	BankName    string
	IBAN        string
	Beneficiary string
	SWIFT       string
}

// PaymeeConfig configures the Paymee gateway.
type PaymeeConfig struct {
	BaseURL  string
	APIToken string
	VendorID string
}

// FlouciConfig configures the Flouci gateway.
type FlouciConfig struct {
	BaseURL   string
	AppToken  string
	AppSecret string
}

// KonnectConfig configures the Konnect gateway.
type KonnectConfig struct {
	BaseURL  string
	APIKey   string
	WalletID string
}

// StripeConfig configures the Stripe card gateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// NotificationsConfig configures outbound channel senders.
type NotificationsConfig struct {
	EmailEndpoint    string
	EmailAPIKey      string
	EmailFrom        string
	SMSEndpoint      string
	SMSAPIKey        string
	SMSSender        string
	PhoneCountryCode string
	TrackingBaseURL  string
	PushEnabled      bool
	SenderTimeout    time.Duration
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute  int
	TrackingPerMinute int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	Webhooks    WebhookSignatureConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// WebhookSignatureConfig holds optional per-gateway shared secrets for webhook signatures.
type WebhookSignatureConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	Enforce         bool
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			WebhookArchiveBucket: stringWithDefault(lookup, "API_STORAGE_WEBHOOK_ARCHIVE_BUCKET", ""),
			WebhookArchivePrefix: stringWithDefault(lookup, "API_STORAGE_WEBHOOK_ARCHIVE_PREFIX", defaultArchivePrefix),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Pricing: PricingConfig{
			Currency:              strings.ToUpper(stringWithDefault(lookup, "API_PRICING_CURRENCY", defaultCurrency)),
			ShippingFlat:          int64WithDefault(lookup, "API_PRICING_SHIPPING_FLAT", defaultShippingFlat),
			FreeShippingThreshold: int64WithDefault(lookup, "API_PRICING_FREE_SHIPPING_THRESHOLD", defaultFreeShippingFrom),
			UrgentSurcharge:       int64WithDefault(lookup, "API_PRICING_URGENT_SURCHARGE", defaultUrgentSurcharge),
			TaxBasisPoints:        int64WithDefault(lookup, "API_PRICING_TAX_BPS", defaultTaxBasisPoints),
			ValidateProducts:      boolWithDefault(lookup, "API_PRICING_VALIDATE_PRODUCTS", false),
			Timezone:              stringWithDefault(lookup, "API_PRICING_TIMEZONE", defaultBusinessTimezone),
		},
		Payments: PaymentsConfig{
			CallbackBaseURL: strings.TrimRight(stringWithDefault(lookup, "API_PAYMENTS_CALLBACK_BASE_URL", ""), "/"),
			ReturnURL:       stringWithDefault(lookup, "API_PAYMENTS_RETURN_URL", ""),
			GatewayTimeout:  durationWithDefault(lookup, "API_PAYMENTS_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			MaxAttempts:     intWithDefault(lookup, "API_PAYMENTS_MAX_ATTEMPTS", defaultPaymentMaxAttempts),
			StaleAfter:      durationWithDefault(lookup, "API_PAYMENTS_STALE_AFTER", defaultPaymentStaleAfter),
			Fees:            mapWithDefault(lookup, "API_PAYMENTS_FEES"),
			BankTransfer: BankTransferConfig{
				BankName:    stringWithDefault(lookup, "API_PAYMENTS_BANK_NAME", ""),
				IBAN:        stringWithDefault(lookup, "API_PAYMENTS_BANK_IBAN", ""),
				Beneficiary: stringWithDefault(lookup, "API_PAYMENTS_BANK_BENEFICIARY", ""),
				SWIFT:       stringWithDefault(lookup, "API_PAYMENTS_BANK_SWIFT", ""),
			},
			Paymee: PaymeeConfig{
				BaseURL:  stringWithDefault(lookup, "API_PAYMENTS_PAYMEE_BASE_URL", defaultPaymeeBaseURL),
				APIToken: stringWithDefault(lookup, "API_PAYMENTS_PAYMEE_API_TOKEN", ""),
				VendorID: stringWithDefault(lookup, "API_PAYMENTS_PAYMEE_VENDOR_ID", ""),
			},
			Flouci: FlouciConfig{
				BaseURL:   stringWithDefault(lookup, "API_PAYMENTS_FLOUCI_BASE_URL", defaultFlouciBaseURL),
				AppToken:  stringWithDefault(lookup, "API_PAYMENTS_FLOUCI_APP_TOKEN", ""),
				AppSecret: stringWithDefault(lookup, "API_PAYMENTS_FLOUCI_APP_SECRET", ""),
			},
			Konnect: KonnectConfig{
				BaseURL:  stringWithDefault(lookup, "API_PAYMENTS_KONNECT_BASE_URL", defaultKonnectBaseURL),
				APIKey:   stringWithDefault(lookup, "API_PAYMENTS_KONNECT_API_KEY", ""),
				WalletID: stringWithDefault(lookup, "API_PAYMENTS_KONNECT_WALLET_ID", ""),
			},
			Stripe: StripeConfig{
				APIKey:        stringWithDefault(lookup, "API_PAYMENTS_STRIPE_API_KEY", ""),
				WebhookSecret: stringWithDefault(lookup, "API_PAYMENTS_STRIPE_WEBHOOK_SECRET", ""),
			},
		},
		Notifications: NotificationsConfig{
			EmailEndpoint:    stringWithDefault(lookup, "API_NOTIFY_EMAIL_ENDPOINT", ""),
			EmailAPIKey:      stringWithDefault(lookup, "API_NOTIFY_EMAIL_API_KEY", ""),
			EmailFrom:        stringWithDefault(lookup, "API_NOTIFY_EMAIL_FROM", ""),
			SMSEndpoint:      stringWithDefault(lookup, "API_NOTIFY_SMS_ENDPOINT", ""),
			SMSAPIKey:        stringWithDefault(lookup, "API_NOTIFY_SMS_API_KEY", ""),
			SMSSender:        stringWithDefault(lookup, "API_NOTIFY_SMS_SENDER", ""),
			PhoneCountryCode: stringWithDefault(lookup, "API_NOTIFY_PHONE_COUNTRY_CODE", defaultPhoneCountryCode),
			TrackingBaseURL:  strings.TrimRight(stringWithDefault(lookup, "API_NOTIFY_TRACKING_BASE_URL", ""), "/"),
			PushEnabled:      boolWithDefault(lookup, "API_NOTIFY_PUSH_ENABLED", true),
			SenderTimeout:    durationWithDefault(lookup, "API_NOTIFY_SENDER_TIMEOUT", defaultSenderTimeout),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:  intWithDefault(lookup, "API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			TrackingPerMinute: intWithDefault(lookup, "API_RATELIMIT_TRACKING_PER_MIN", defaultRateLimitTracking),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
			Webhooks: WebhookSignatureConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_WEBHOOK_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_WEBHOOK_SIGNATURE_HEADER", defaultSignatureHeader),
				Enforce:         boolWithDefault(lookup, "API_SECURITY_WEBHOOK_ENFORCE", false),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved := make(map[string]string)
	for gateway, value := range cfg.Security.Webhooks.Secrets {
		secret, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.Webhooks.Secrets[gateway] = secret
		resolved[fmt.Sprintf("Security.Webhooks.Secrets[%s]", gateway)] = strings.TrimSpace(secret)
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payments.Paymee.APIToken", &cfg.Payments.Paymee.APIToken},
		{"Payments.Flouci.AppSecret", &cfg.Payments.Flouci.AppSecret},
		{"Payments.Konnect.APIKey", &cfg.Payments.Konnect.APIKey},
		{"Payments.Stripe.APIKey", &cfg.Payments.Stripe.APIKey},
		{"Payments.Stripe.WebhookSecret", &cfg.Payments.Stripe.WebhookSecret},
		{"Notifications.EmailAPIKey", &cfg.Notifications.EmailAPIKey},
		{"Notifications.SMSAPIKey", &cfg.Notifications.SMSAPIKey},
	}
	for _, target := range secretFields {
		secret, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = secret
		resolved[target.name] = strings.TrimSpace(secret)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if len(cfg.Pricing.Currency) != 3 {
		missing = append(missing, "Pricing.Currency")
	}
	if cfg.Pricing.ShippingFlat < 0 || cfg.Pricing.FreeShippingThreshold < 0 || cfg.Pricing.UrgentSurcharge < 0 {
		missing = append(missing, "Pricing.Shipping")
	}
	if cfg.Pricing.TaxBasisPoints < 0 || cfg.Pricing.TaxBasisPoints > 10000 {
		missing = append(missing, "Pricing.TaxBasisPoints")
	}
	if _, err := time.LoadLocation(cfg.Pricing.Timezone); err != nil || cfg.Pricing.Timezone == "" {
		missing = append(missing, "Pricing.Timezone")
	}
	if cfg.Payments.GatewayTimeout <= 0 {
		missing = append(missing, "Payments.GatewayTimeout")
	}
	if cfg.Payments.MaxAttempts <= 0 {
		missing = append(missing, "Payments.MaxAttempts")
	}
	if cfg.Payments.anyGatewayConfigured() && cfg.Payments.CallbackBaseURL == "" {
		missing = append(missing, "Payments.CallbackBaseURL")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func (p PaymentsConfig) anyGatewayConfigured() bool {
	return p.Paymee.APIToken != "" || p.Flouci.AppToken != "" || p.Konnect.APIKey != "" || p.Stripe.APIKey != ""
}
