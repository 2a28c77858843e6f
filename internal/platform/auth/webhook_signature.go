package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// WebhookSignatureVerifier checks an HMAC-SHA256 signature over the raw webhook body for gateways
// that have a shared secret configured. Gateways without a secret pass through unless enforcement
// is switched on.
type WebhookSignatureVerifier struct {
	secrets map[string][]byte
	header  string
	enforce bool
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// WebhookSignatureOption customises the verifier.
type WebhookSignatureOption func(*WebhookSignatureVerifier)

// WithWebhookSignatureLogger sets the logger.
func WithWebhookSignatureLogger(logger *zap.Logger) WebhookSignatureOption {
	return func(v *WebhookSignatureVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithWebhookSignatureMetrics sets the metrics recorder.
func WithWebhookSignatureMetrics(metrics MetricsRecorder) WebhookSignatureOption {
	return func(v *WebhookSignatureVerifier) { v.metrics = metrics }
}

// NewWebhookSignatureVerifier builds a verifier from per-gateway secrets keyed by lower-case name.
func NewWebhookSignatureVerifier(secrets map[string]string, header string, enforce bool, opts ...WebhookSignatureOption) *WebhookSignatureVerifier {
	v := &WebhookSignatureVerifier{
		secrets: make(map[string][]byte, len(secrets)),
		header:  strings.TrimSpace(header),
		enforce: enforce,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	if v.header == "" {
		v.header = "X-Webhook-Signature"
	}
	for name, secret := range secrets {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && secret != "" {
			v.secrets[name] = []byte(secret)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Configured reports whether a secret exists for gateway.
func (v *WebhookSignatureVerifier) Configured(gateway string) bool {
	_, ok := v.secrets[strings.ToLower(strings.TrimSpace(gateway))]
	return ok
}

// Require wraps webhook handlers; gatewayOf extracts the gateway name from the request.
func (v *WebhookSignatureVerifier) Require(gatewayOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()
			gateway := strings.ToLower(strings.TrimSpace(gatewayOf(r)))

			secret, ok := v.secrets[gateway]
			if !ok {
				if v.enforce {
					v.record(ctx, false, "secret_not_configured", start)
					respondAuthError(w, http.StatusUnauthorized, "signature_unavailable", "webhook signature required but not configured")
					return
				}
				v.record(ctx, true, "unsigned", start)
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimSpace(r.Header.Get(v.header))
			if raw == "" {
				v.record(ctx, false, "signature_missing", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_missing", "signature header missing")
				return
			}
			body, err := readAndRestoreBody(r)
			if err != nil {
				v.record(ctx, false, "body_unreadable", start)
				respondAuthError(w, http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
				return
			}
			signature, err := decodeSignature(raw)
			if err != nil {
				v.record(ctx, false, "signature_invalid", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
				return
			}
			if !hmac.Equal(signature, ComputeWebhookSignature(secret, body)) {
				v.logger.Warn("webhook signature mismatch", zap.String("gateway", gateway))
				v.record(ctx, false, "signature_mismatch", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r)
		})
	}
}

// ComputeWebhookSignature returns HMAC-SHA256(secret, body).
func ComputeWebhookSignature(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func (v *WebhookSignatureVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "webhook_hmac", success, reason, v.now().Sub(start))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts hex or base64, optionally prefixed with "sha256=".
func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "sha256=")
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}
