package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetrics_ItemProcessed(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetricsWithProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.ItemProcessed(ctx, "success", "incorrect_key", 120*time.Millisecond)
	m.ItemProcessed(ctx, "success", "incorrect_key", 80*time.Millisecond)
	m.ItemProcessed(ctx, "retry", "failed", time.Second)

	metrics := collect(t, reader)

	events, ok := metrics["prefixkms.events.processed"]
	require.True(t, ok)
	sum := events.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 2)

	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		if status.AsString() == "success" {
			assert.Equal(t, int64(2), dp.Value)
		} else {
			assert.Equal(t, int64(1), dp.Value)
		}
	}

	hist := metrics["prefixkms.item.duration"].Data.(metricdata.Histogram[float64])
	assert.Len(t, hist.DataPoints, 2)
}

func TestMetrics_BatchAlertsAndRemediations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetricsWithProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.BatchProcessed(ctx, 10, 0)
	m.BatchProcessed(ctx, 4, 1)
	m.AlertSent(ctx, true)
	m.Remediated(ctx, "copied", false)
	m.Remediated(ctx, "copied", true)
	m.AuditFailed(ctx, "dynamodb")

	metrics := collect(t, reader)

	batches := metrics["prefixkms.batch.size"].Data.(metricdata.Histogram[int64])
	assert.Len(t, batches.DataPoints, 2)

	alerts := metrics["prefixkms.alerts"].Data.(metricdata.Sum[int64])
	require.Len(t, alerts.DataPoints, 1)
	assert.Equal(t, int64(1), alerts.DataPoints[0].Value)

	remediations := metrics["prefixkms.remediations"].Data.(metricdata.Sum[int64])
	assert.Len(t, remediations.DataPoints, 2)

	audit := metrics["prefixkms.audit.failures"].Data.(metricdata.Sum[int64])
	require.Len(t, audit.DataPoints, 1)
	sink, _ := audit.DataPoints[0].Attributes.Value(attribute.Key("sink"))
	assert.Equal(t, "dynamodb", sink.AsString())
}
