package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/medina-market/api/internal/di"
	"github.com/medina-market/api/internal/handlers"
	"github.com/medina-market/api/internal/notifications"
	"github.com/medina-market/api/internal/platform/auth"
	"github.com/medina-market/api/internal/platform/config"
	pfirestore "github.com/medina-market/api/internal/platform/firestore"
	"github.com/medina-market/api/internal/platform/idempotency"
	"github.com/medina-market/api/internal/platform/jobs"
	"github.com/medina-market/api/internal/platform/observability"
	"github.com/medina-market/api/internal/platform/secrets"
	platformstorage "github.com/medina-market/api/internal/platform/storage"
	"github.com/medina-market/api/internal/repositories"
	firestoreRepo "github.com/medina-market/api/internal/repositories/firestore"
	"github.com/medina-market/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		logger.Warn("metrics: instrument registration failed; continuing without metrics", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	var checks []repositories.DependencyCheck
	checks = append(checks, repositories.DependencyCheck{
		Name:     "firestore",
		Timeout:  1500 * time.Millisecond,
		Check:    firestoreProvider.Ping,
		Critical: true,
	})
	checks = append(checks, secretManagerCheck(fetcher))

	infra := di.Infrastructure{
		Logger:  logger,
		Clock:   time.Now,
		Build:   buildInfo,
		Metrics: metrics,
	}

	if bucket := strings.TrimSpace(cfg.Storage.WebhookArchiveBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx, clientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		archive, err := platformstorage.NewWebhookArchive(storageClient, bucket, cfg.Storage.WebhookArchivePrefix)
		if err != nil {
			logger.Fatal("failed to initialise webhook archive", zap.Error(err))
		}
		infra.Archive = archive
		checks = append(checks, repositories.DependencyCheck{
			Name:    "storage",
			Timeout: 2 * time.Second,
			Check:   archive.Ping,
		})
	} else {
		logger.Info("storage: webhook archive bucket not configured; raw payloads stay in firestore only")
	}

	if topicID := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicID != "" {
		projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
		if projectID == "" {
			projectID = traceProjectID(cfg)
		}
		pubsubClient, err := pubsub.NewClient(ctx, projectID, clientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(topicID)
		defer func() {
			topic.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		infra.Events = publisher
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 2 * time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("pubsub topic %s not found", topicID)
				}
				return nil
			},
		})
	}

	firebaseApp, err := auth.NewFirebaseApp(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase app", zap.Error(err))
	}
	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, firebaseApp, 0)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	pushSender := newPushSender(ctx, logger, firebaseApp, cfg)
	senders, err := di.NewNotificationSenders(cfg, pushSender)
	if err != nil {
		logger.Fatal("failed to initialise notification senders", zap.Error(err))
	}
	infra.Senders = senders

	providers, err := di.NewPaymentProviders(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}
	infra.Providers = providers

	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyStore, err := idempotency.NewFirestoreStore(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		janitor := idempotency.NewJanitor(idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			janitor.Run(backgroundCtx)
		}()
	}

	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg, metrics)
	signatureMiddleware := buildWebhookSignatureMiddleware(logger.Named("auth"), cfg, metrics)

	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, svc.Payments,
		handlers.WithOrderCurrency(cfg.Pricing.Currency),
		handlers.WithOrderCreateMiddleware(idempotencyMiddleware),
	)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, svc.Orders, svc.Payments,
		handlers.WithInitiateRateLimit(cfg.RateLimits.DefaultPerMinute, time.Now),
	)
	publicHandlers := handlers.NewPublicHandlers(
		handlers.WithPublicOrderService(svc.Orders),
		handlers.WithPublicPaymentService(svc.Payments),
		handlers.WithTrackingRateLimit(cfg.RateLimits.TrackingPerMinute, time.Now),
	)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, svc.Orders, svc.Payments)
	meHandlers := handlers.NewMeHandlers(authenticator, svc.Preferences, svc.Notifications)
	internalHandlers := handlers.NewInternalHandlers(svc.Payments)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicRoutes(publicHandlers.Routes),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(paymentHandlers.WebhookRoutes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if signatureMiddleware != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(signatureMiddleware))
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("medina api listening",
			zap.String("version", buildInfo.Version),
			zap.Strings("payment_methods", enabledMethodNames(ctx, svc.Payments)),
			zap.Int("notification_channels", len(senders)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func clientOptions(cfg config.Config) []option.ClientOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	return nil
}

func newPushSender(ctx context.Context, logger *zap.Logger, app *firebase.App, cfg config.Config) *notifications.PushSender {
	if !cfg.Notifications.PushEnabled || app == nil {
		return nil
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		logger.Warn("notifications: fcm client unavailable; push disabled", zap.Error(err))
		return nil
	}
	return notifications.NewPushSender(client)
}

// secretManagerCheck treats a missing health secret as reachable; only transport and permission
// failures mark the dependency down.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const secretHealthReference = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func enabledMethodNames(ctx context.Context, payments services.PaymentService) []string {
	if payments == nil {
		return nil
	}
	var names []string
	for _, method := range payments.AvailableMethods(ctx) {
		names = append(names, string(method.Method))
	}
	return names
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	opts := []auth.OIDCOption{auth.WithOIDCLogger(logger)}
	if metrics != nil {
		opts = append(opts, auth.WithOIDCMetrics(metrics))
	}
	validator := auth.NewOIDCValidator(cache, opts...)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		audience = strings.TrimSpace(cfg.Security.OIDC.Audiences["internal"])
	}
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func buildWebhookSignatureMiddleware(logger *zap.Logger, cfg config.Config, metrics *observability.Metrics) func(http.Handler) http.Handler {
	webhooks := cfg.Security.Webhooks
	if len(webhooks.Secrets) == 0 && !webhooks.Enforce {
		return nil
	}
	opts := []auth.WebhookSignatureOption{auth.WithWebhookSignatureLogger(logger)}
	if metrics != nil {
		opts = append(opts, auth.WithWebhookSignatureMetrics(metrics))
	}
	verifier := auth.NewWebhookSignatureVerifier(webhooks.Secrets, webhooks.SignatureHeader, webhooks.Enforce, opts...)
	return verifier.Require(handlers.GatewayFromRequest)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := secretProjectMapFromEnv(env); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve before the server starts: every gateway
// with a webhook secret configured plus any names listed in API_SECRET_REQUIRED.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if env == nil {
		return nil
	}
	for _, key := range sortedKeys(parseKeyValueList(env["API_SECURITY_WEBHOOK_SECRETS"])) {
		required = append(required, fmt.Sprintf("Security.Webhooks.Secrets[%s]", strings.ToLower(key)))
	}
	if strings.TrimSpace(env["API_PAYMENTS_STRIPE_API_KEY"]) != "" {
		required = append(required, "Payments.Stripe.APIKey")
	}
	for _, name := range strings.Split(env["API_SECRET_REQUIRED"], ",") {
		required = append(required, name)
	}
	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for label, project := range parseKeyValueList(env["API_SECRET_PROJECT_IDS"]) {
		projects[strings.ToLower(label)] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(env["API_SECRET_VERSION_PINS"]) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
