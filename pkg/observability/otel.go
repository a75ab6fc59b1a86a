package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// InstrumentationName is the tracer and meter name used by the runtime.
const InstrumentationName = "github.com/platinummonkey/zenith"

const (
	exporterDialTimeout  = 10 * time.Second
	spanBatchTimeout     = 5 * time.Second
	metricExportInterval = 10 * time.Second
)

// RuntimeAttributes describes the engine that emits telemetry. They are
// attached to every span and metric as zenith.* resource attributes.
type RuntimeAttributes struct {
	Slots        int
	BufferSize   int
	Backpressure string
	ABIVersion   int
	Interpreter  bool
}

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Insecure       bool

	// InstanceID tells runtimes sharing a service name apart. A random id is
	// used when empty.
	InstanceID string
	// SampleRatio is the fraction of task traces kept. Values outside (0, 1)
	// keep every trace.
	SampleRatio float64
	Runtime     RuntimeAttributes
}

// OTelProviders holds OpenTelemetry providers for shutdown
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	InstanceID     string
}

func (c OTelConfig) withDefaults() OTelConfig {
	if c.ServiceName == "" {
		c.ServiceName = "zenithd"
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

// resourceAttributes lists the attributes identifying this runtime.
func (c OTelConfig) resourceAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.ServiceName),
		semconv.ServiceInstanceIDKey.String(c.InstanceID),
	}
	if c.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(c.ServiceVersion))
	}
	rt := c.Runtime
	if rt.Slots > 0 {
		attrs = append(attrs, attribute.Int("zenith.engine.slots", rt.Slots))
	}
	if rt.BufferSize > 0 {
		attrs = append(attrs, attribute.Int("zenith.engine.buffer_size", rt.BufferSize))
	}
	if rt.Backpressure != "" {
		attrs = append(attrs, attribute.String("zenith.engine.backpressure", rt.Backpressure))
	}
	if rt.ABIVersion > 0 {
		attrs = append(attrs, attribute.Int("zenith.abi_version", rt.ABIVersion))
	}
	return append(attrs, attribute.Bool("zenith.vm.interpreter", rt.Interpreter))
}

// sampler keeps a parent's decision and samples root task spans by ratio.
func (c OTelConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// InitOTel installs global tracer and meter providers exporting over OTLP
// gRPC. It returns nil providers when cfg is disabled.
func InitOTel(ctx context.Context, cfg OTelConfig, logger *Logger) (*OTelProviders, error) {
	if logger == nil {
		logger = NewLogger(InfoLevel, nil)
	}
	if !cfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}
	cfg = cfg.withDefaults()
	logger = logger.WithFields(map[string]interface{}{
		"endpoint":    cfg.Endpoint,
		"instance_id": cfg.InstanceID,
	})

	res, err := resource.New(ctx,
		resource.WithAttributes(cfg.resourceAttributes()...),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var dialOpts []grpc.DialOption
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	dialCtx, cancel := context.WithTimeout(ctx, exporterDialTimeout)
	defer cancel()

	spans, err := otlptracegrpc.New(dialCtx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(dialCtx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		if serr := spans.Shutdown(ctx); serr != nil {
			logger.WithError(serr).Warn("Failed to close trace exporter")
		}
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	providers := &OTelProviders{
		TracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(spanBatchTimeout)),
			sdktrace.WithSampler(cfg.sampler()),
		),
		MeterProvider: metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(points, metric.WithInterval(metricExportInterval))),
		),
		InstanceID: cfg.InstanceID,
	}

	otel.SetTracerProvider(providers.TracerProvider)
	otel.SetMeterProvider(providers.MeterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("OpenTelemetry initialized")
	return providers, nil
}

// ShutdownOTel flushes and stops both providers. Errors from each are joined.
func ShutdownOTel(ctx context.Context, providers *OTelProviders, logger *Logger) error {
	if providers == nil {
		return nil
	}
	if logger == nil {
		logger = NewLogger(InfoLevel, nil)
	}

	type step struct {
		name string
		stop func(context.Context) error
	}
	var steps []step
	if providers.TracerProvider != nil {
		steps = append(steps, step{"tracer provider", providers.TracerProvider.Shutdown})
	}
	if providers.MeterProvider != nil {
		steps = append(steps, step{"meter provider", providers.MeterProvider.Shutdown})
	}

	var errs []error
	for _, step := range steps {
		if err := step.stop(ctx); err != nil {
			logger.WithError(err).WithField("provider", step.name).Error("OpenTelemetry shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("OpenTelemetry shutdown: %w", err)
	}
	logger.Info("OpenTelemetry shutdown complete")
	return nil
}

// UpdateLoggerWithTraceContext adds the trace and span ids of ctx to logger.
func UpdateLoggerWithTraceContext(ctx context.Context, logger *Logger) *Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return logger
	}

	spanCtx := span.SpanContext()
	return logger.WithFields(map[string]interface{}{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}

// Tracer returns the runtime tracer from the global provider. It is a no-op
// tracer until InitOTel installs a real provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span for one runtime operation and returns a logger
// carrying its trace identifiers.
func StartSpan(ctx context.Context, logger *Logger, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span, *Logger) {
	ctx, span := Tracer().Start(ctx, name, opts...)
	if logger == nil {
		logger = FromContext(ctx)
	}
	return ctx, span, UpdateLoggerWithTraceContext(ctx, logger)
}
