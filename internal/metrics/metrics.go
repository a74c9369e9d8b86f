package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests       metric.Int64Counter
	HTTPDuration       metric.Float64Histogram
	SagasStarted       metric.Int64Counter
	SagasFinished      metric.Int64Counter
	PollAttempts       metric.Int64Counter
	PollDuration       metric.Float64Histogram
	WebhookEvents      metric.Int64Counter
	SettlementAttempts metric.Int64Counter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"orp_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"orp_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SagasStarted, err = meter.Int64Counter(
		"orp_sagas_started_total",
		metric.WithDescription("Total number of off-ramp sagas started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SagasFinished, err = meter.Int64Counter(
		"orp_sagas_finished_total",
		metric.WithDescription("Total number of off-ramp sagas finished, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollAttempts, err = meter.Int64Counter(
		"orp_poll_attempts_total",
		metric.WithDescription("Total number of provider poll attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollDuration, err = meter.Float64Histogram(
		"orp_poll_duration_seconds",
		metric.WithDescription("Wall-clock duration of polling loops in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookEvents, err = meter.Int64Counter(
		"orp_webhook_events_total",
		metric.WithDescription("Total number of payout webhook events, by disposition"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SettlementAttempts, err = meter.Int64Counter(
		"orp_settlement_attempts_total",
		metric.WithDescription("Total number of settlement transfer attempts, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordSagaStarted(ctx context.Context) {
	m.SagasStarted.Add(ctx, 1)
}

func (m *Metrics) RecordSagaFinished(ctx context.Context, outcome string) {
	m.SagasFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordPoll(ctx context.Context, provider string, attempts int, duration time.Duration) {
	labels := metric.WithAttributes(attribute.String("provider", provider))
	m.PollAttempts.Add(ctx, int64(attempts), labels)
	m.PollDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordWebhookEvent(ctx context.Context, disposition string) {
	m.WebhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", disposition)))
}

func (m *Metrics) RecordSettlement(ctx context.Context, outcome string) {
	m.SettlementAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
