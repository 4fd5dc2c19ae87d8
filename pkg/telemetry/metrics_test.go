package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewEngineMetricsNilProvider(t *testing.T) {
	t.Parallel()

	metrics, err := NewEngineMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, metrics)
}

func TestNilEngineMetricsRecordsAreNoOps(t *testing.T) {
	t.Parallel()

	var metrics *EngineMetrics
	ctx := context.Background()

	// Must not panic on a nil receiver.
	metrics.RecordResync(ctx, true)
	metrics.RecordResyncAttempt(ctx)
	metrics.RecordStatusTransition(ctx, "in_sync")
	metrics.RecordUpdateApplied(ctx)
	metrics.RecordUpdateDropped(ctx)
}

func TestEngineMetricsRecord(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	metrics, err := NewEngineMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	ctx := context.Background()
	metrics.RecordResync(ctx, true)
	metrics.RecordResync(ctx, false)
	metrics.RecordResyncAttempt(ctx)
	metrics.RecordStatusTransition(ctx, "out_of_sync")
	metrics.RecordUpdateApplied(ctx)
	metrics.RecordUpdateDropped(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make(map[string]bool)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
	}
	assert.True(t, names["mirrorkit_resyncs_total"])
	assert.True(t, names["mirrorkit_resync_attempts_total"])
	assert.True(t, names["mirrorkit_status_transitions_total"])
	assert.True(t, names["mirrorkit_updates_applied_total"])
	assert.True(t, names["mirrorkit_updates_dropped_total"])
}
