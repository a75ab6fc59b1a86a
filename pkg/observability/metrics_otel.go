package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds the OpenTelemetry instruments exported alongside the
// Prometheus collectors.
type OTelMetrics struct {
	tasksTotal    metric.Int64Counter
	taskDuration  metric.Float64Histogram
	hostCalls     metric.Int64Counter
	guardAborts   metric.Int64Counter
	pluginLoads   metric.Int64Counter
	pluginReloads metric.Int64Counter

	storageOperations metric.Int64Counter
	storageDuration   metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the given provider, or on the global
// provider when mp is nil.
func NewOTelMetrics(mp metric.MeterProvider) (*OTelMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	m := &OTelMetrics{}
	var err error

	m.tasksTotal, err = meter.Int64Counter(
		"zenith.tasks",
		metric.WithDescription("Tasks that reached a terminal state"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zenith.tasks counter: %w", err)
	}

	m.taskDuration, err = meter.Float64Histogram(
		"zenith.task.duration",
		metric.WithDescription("Plugin execution time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zenith.task.duration histogram: %w", err)
	}

	m.hostCalls, err = meter.Int64Counter(
		"zenith.hostcalls",
		metric.WithDescription("Host function invocations by plugins"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zenith.hostcalls counter: %w", err)
	}

	m.guardAborts, err = meter.Int64Counter(
		"zenith.guard.aborts",
		metric.WithDescription("Executions aborted by the resource guard"),
		metric.WithUnit("{abort}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zenith.guard.aborts counter: %w", err)
	}

	m.pluginLoads, err = meter.Int64Counter(
		"zenith.plugin.loads",
		metric.WithDescription("Plugin load attempts"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zenith.plugin.loads counter: %w", err)
	}

	m.pluginReloads, err = meter.Int64Counter(
		"zenith.plugin.reloads",
		metric.WithDescription("Plugin hot-reload attempts"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zenith.plugin.reloads counter: %w", err)
	}

	m.storageOperations, err = meter.Int64Counter(
		"zenith.storage.operations",
		metric.WithDescription("State and blob store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zenith.storage.operations counter: %w", err)
	}

	m.storageDuration, err = meter.Float64Histogram(
		"zenith.storage.duration",
		metric.WithDescription("State and blob store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zenith.storage.duration histogram: %w", err)
	}

	return m, nil
}

// RecordTask records a finished task
func (m *OTelMetrics) RecordTask(ctx context.Context, plugin, priority, state string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("zenith.plugin", plugin),
		attribute.String("zenith.priority", priority),
		attribute.String("zenith.state", state),
	)
	m.tasksTotal.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordHostCall records one host function invocation
func (m *OTelMetrics) RecordHostCall(ctx context.Context, function, outcome string) {
	if m == nil {
		return
	}
	m.hostCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("zenith.function", function),
		attribute.String("zenith.outcome", outcome),
	))
}

// RecordGuardAbort records an execution aborted by the guard
func (m *OTelMetrics) RecordGuardAbort(ctx context.Context, plugin, reason string) {
	if m == nil {
		return
	}
	m.guardAborts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("zenith.plugin", plugin),
		attribute.String("zenith.reason", reason),
	))
}

// RecordPluginLoad records a load or reload attempt
func (m *OTelMetrics) RecordPluginLoad(ctx context.Context, reload bool, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("error", err != nil))
	if reload {
		m.pluginReloads.Add(ctx, 1, attrs)
		return
	}
	m.pluginLoads.Add(ctx, 1, attrs)
}

// RecordStorageOperation records a storage operation metric
func (m *OTelMetrics) RecordStorageOperation(ctx context.Context, operation, storageType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("storage.operation", operation),
		attribute.String("storage.type", storageType),
		attribute.Bool("error", err != nil),
	)
	m.storageOperations.Add(ctx, 1, attrs)
	m.storageDuration.Record(ctx, duration.Seconds(), attrs)
}
