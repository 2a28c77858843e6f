package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/medina-market/api"

// Metrics records domain counters through the global OpenTelemetry meter provider.
type Metrics struct {
	verifications   metric.Int64Counter
	verifyLatency   metric.Float64Histogram
	notifications   metric.Int64Counter
	webhooks        metric.Int64Counter
	paymentOutcomes metric.Int64Counter
}

// NewMetrics registers instruments on meter; a nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	var (
		m    Metrics
		err  error
		errs []error
	)
	m.verifications, err = meter.Int64Counter("auth.verifications", metric.WithDescription("Token and signature verification outcomes"))
	errs = append(errs, err)
	m.verifyLatency, err = meter.Float64Histogram("auth.verification.latency", metric.WithUnit("ms"))
	errs = append(errs, err)
	m.notifications, err = meter.Int64Counter("notifications.sent", metric.WithDescription("Notification attempts per channel and status"))
	errs = append(errs, err)
	m.webhooks, err = meter.Int64Counter("payments.webhooks", metric.WithDescription("Gateway webhook deliveries by outcome"))
	errs = append(errs, err)
	m.paymentOutcomes, err = meter.Int64Counter("payments.outcomes", metric.WithDescription("Payment status transitions by gateway"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordVerification implements auth.MetricsRecorder.
func (m *Metrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	m.verifications.Add(ctx, 1, attrs)
	m.verifyLatency.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordNotification counts one channel attempt.
func (m *Metrics) RecordNotification(ctx context.Context, channel, status string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel), attribute.String("status", status)))
}

// RecordWebhook counts one webhook delivery.
func (m *Metrics) RecordWebhook(ctx context.Context, gateway, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway", gateway), attribute.String("outcome", outcome)))
}

// RecordPayment counts a payment reaching status.
func (m *Metrics) RecordPayment(ctx context.Context, gateway, status string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway", gateway), attribute.String("status", status)))
}
