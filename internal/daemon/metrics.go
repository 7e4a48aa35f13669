package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the enforcement instruments. It satisfies the observer
// interfaces of the processor and the reconciler.
type Metrics struct {
	events        metric.Int64Counter
	itemDuration  metric.Float64Histogram
	batchSize     metric.Int64Histogram
	remediations  metric.Int64Counter
	alerts        metric.Int64Counter
	auditFailures metric.Int64Counter
}

// NewMetrics creates metrics on the global meter provider
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter("prefixkms.daemon"))
}

// NewMetricsWithProvider creates metrics on a specific provider
func NewMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	return newMetrics(provider.Meter("prefixkms.daemon"))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	events, err := meter.Int64Counter(
		"prefixkms.events.processed",
		metric.WithDescription("Write events processed, by item status and reason code"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	itemDuration, err := meter.Float64Histogram(
		"prefixkms.item.duration",
		metric.WithDescription("Duration of per-item processing"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram(
		"prefixkms.batch.size",
		metric.WithDescription("Messages per processed batch"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	remediations, err := meter.Int64Counter(
		"prefixkms.remediations",
		metric.WithDescription("Corrective copies attempted, by outcome"),
		metric.WithUnit("{remediation}"),
	)
	if err != nil {
		return nil, err
	}

	alerts, err := meter.Int64Counter(
		"prefixkms.alerts",
		metric.WithDescription("Operator alerts sent"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	auditFailures, err := meter.Int64Counter(
		"prefixkms.audit.failures",
		metric.WithDescription("Decision records that could not be written"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		events:        events,
		itemDuration:  itemDuration,
		batchSize:     batchSize,
		remediations:  remediations,
		alerts:        alerts,
		auditFailures: auditFailures,
	}, nil
}

// ItemProcessed records one finished item
func (m *Metrics) ItemProcessed(ctx context.Context, status, code string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason.code", code),
	)
	m.events.Add(ctx, 1, attrs)
	m.itemDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// BatchProcessed records a batch size and how many of its messages failed
func (m *Metrics) BatchProcessed(ctx context.Context, size, failed int) {
	status := "success"
	if failed > 0 {
		status = "partial_failure"
	}
	m.batchSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("status", status)))
}

// AlertSent records an operator alert attempt
func (m *Metrics) AlertSent(ctx context.Context, delivered bool) {
	m.alerts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("delivered", delivered)))
}

// Remediated records a corrective copy outcome
func (m *Metrics) Remediated(ctx context.Context, outcome string, multipart bool) {
	m.remediations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("multipart", multipart),
	))
}

// AuditFailed records a decision record that was lost
func (m *Metrics) AuditFailed(ctx context.Context, sink string) {
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}
