// Package telemetry provides OpenTelemetry instrumentation for the
// synchronization engine.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetricsMeterName is the name used for the engine metrics meter.
const EngineMetricsMeterName = "github.com/mirrorkit/mirrorkit/pkg/engine"

// EngineMetrics holds the OpenTelemetry instruments for engine metrics.
type EngineMetrics struct {
	resyncs           metric.Int64Counter
	resyncAttempts    metric.Int64Counter
	statusTransitions metric.Int64Counter
	updatesApplied    metric.Int64Counter
	updatesDropped    metric.Int64Counter
}

// NewEngineMetrics creates a new EngineMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewEngineMetrics(provider metric.MeterProvider) (*EngineMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(EngineMetricsMeterName)

	resyncs, err := meter.Int64Counter(
		"mirrorkit_resyncs_total",
		metric.WithDescription("Completed full resync attempt sequences by outcome"),
		metric.WithUnit("{resync}"),
	)
	if err != nil {
		return nil, err
	}

	resyncAttempts, err := meter.Int64Counter(
		"mirrorkit_resync_attempts_total",
		metric.WithDescription("Individual failed fetch attempts during resyncs"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	statusTransitions, err := meter.Int64Counter(
		"mirrorkit_status_transitions_total",
		metric.WithDescription("Engine status transitions by new status"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	updatesApplied, err := meter.Int64Counter(
		"mirrorkit_updates_applied_total",
		metric.WithDescription("Change lists applied to the snapshot"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	updatesDropped, err := meter.Int64Counter(
		"mirrorkit_updates_dropped_total",
		metric.WithDescription("Change lists dropped while desynchronized"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		resyncs:           resyncs,
		resyncAttempts:    resyncAttempts,
		statusTransitions: statusTransitions,
		updatesApplied:    updatesApplied,
		updatesDropped:    updatesDropped,
	}, nil
}

// RecordResync records a completed resync attempt sequence.
func (m *EngineMetrics) RecordResync(ctx context.Context, success bool) {
	if m == nil || m.resyncs == nil {
		return
	}

	outcome := "success"
	if !success {
		outcome = "exhausted"
	}
	m.resyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordResyncAttempt records a single failed fetch attempt.
func (m *EngineMetrics) RecordResyncAttempt(ctx context.Context) {
	if m == nil || m.resyncAttempts == nil {
		return
	}

	m.resyncAttempts.Add(ctx, 1)
}

// RecordStatusTransition records a status transition.
func (m *EngineMetrics) RecordStatusTransition(ctx context.Context, status string) {
	if m == nil || m.statusTransitions == nil {
		return
	}

	m.statusTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordUpdateApplied records a change list applied to the snapshot.
func (m *EngineMetrics) RecordUpdateApplied(ctx context.Context) {
	if m == nil || m.updatesApplied == nil {
		return
	}

	m.updatesApplied.Add(ctx, 1)
}

// RecordUpdateDropped records a change list dropped while desynchronized.
func (m *EngineMetrics) RecordUpdateDropped(ctx context.Context) {
	if m == nil || m.updatesDropped == nil {
		return
	}

	m.updatesDropped.Add(ctx, 1)
}
