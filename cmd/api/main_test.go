package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/medina-market/api/internal/platform/config"
)

func TestRequiredSecretNames(t *testing.T) {
	env := map[string]string{
		"API_SECURITY_WEBHOOK_SECRETS": "Paymee=secret://payments/paymee, flouci=secret://payments/flouci",
		"API_PAYMENTS_STRIPE_API_KEY":  "secret://payments/stripe",
		"API_SECRET_REQUIRED":          "Payments.Konnect.APIKey, ,Payments.Stripe.APIKey",
	}
	got := requiredSecretNames(env)
	want := []string{
		"Payments.Konnect.APIKey",
		"Payments.Stripe.APIKey",
		"Security.Webhooks.Secrets[flouci]",
		"Security.Webhooks.Secrets[paymee]",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected required secrets: %v", got)
	}
	if names := requiredSecretNames(nil); len(names) != 0 {
		t.Fatalf("expected no required secrets for empty env, got %v", names)
	}
}

func TestSecretVersionPinsFromEnv(t *testing.T) {
	env := map[string]string{
		"API_SECRET_VERSION_PINS": "sm://payments/paymee=3, prod:payments/stripe=7, broken",
	}
	pins := secretVersionPinsFromEnv(env)
	if pins["secret://payments/paymee"] != "3" {
		t.Fatalf("expected sm:// ref normalised, got %v", pins)
	}
	if pins["prod:secret://payments/stripe"] != "7" {
		t.Fatalf("expected environment prefix preserved, got %v", pins)
	}
	if len(pins) != 2 {
		t.Fatalf("expected malformed entry skipped, got %v", pins)
	}
}

func TestSecretProjectMapFromEnv(t *testing.T) {
	projects := secretProjectMapFromEnv(map[string]string{
		"API_SECRET_PROJECT_IDS": "PROD=medina-prod,staging=medina-stg,=x",
	})
	if projects["prod"] != "medina-prod" || projects["staging"] != "medina-stg" || len(projects) != 2 {
		t.Fatalf("unexpected project map: %v", projects)
	}
}

func TestBuildInfoFromEnvDefaults(t *testing.T) {
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	info := buildInfoFromEnv(map[string]string{}, config.Config{}, started)
	if info.Version != "dev" || info.CommitSHA != "unknown" || info.Environment != "local" {
		t.Fatalf("unexpected defaults: %+v", info)
	}
	if !info.StartedAt.Equal(started) {
		t.Fatalf("expected started at preserved")
	}
}

func TestTraceProjectIDFallsBackToFirestore(t *testing.T) {
	var cfg config.Config
	cfg.Firestore.ProjectID = "medina-firestore"
	if got := traceProjectID(cfg); got != "medina-firestore" {
		t.Fatalf("expected firestore project, got %q", got)
	}
	cfg.Firebase.ProjectID = "medina-app"
	if got := traceProjectID(cfg); got != "medina-app" {
		t.Fatalf("expected firebase project, got %q", got)
	}
}

func TestBuildWebhookSignatureMiddlewareDisabledWithoutSecrets(t *testing.T) {
	if mw := buildWebhookSignatureMiddleware(nil, config.Config{}, nil); mw != nil {
		t.Fatalf("expected no middleware when no secrets configured")
	}
	var cfg config.Config
	cfg.Security.Webhooks.Enforce = true
	if mw := buildWebhookSignatureMiddleware(nil, cfg, nil); mw == nil {
		t.Fatalf("expected middleware when enforcement is on")
	}
}
