// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks, and graceful shutdown for the runtime.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("plugin", name).Info("plugin loaded")
//
// Loggers travel through context so that task and plugin identifiers show up
// on every line emitted during an execution:
//
//	ctx = observability.WithTaskID(ctx, task.ID)
//	observability.FromContext(ctx).Warn("host call quota exceeded")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.TasksSubmittedTotal.WithLabelValues("critical").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddProbe("scheduler", true, sched.Healthy)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
// Tracing is disabled unless InitOTel is called with Enabled set. Spans are
// still created through Tracer, they are simply dropped.
//
// # Shutdown
//
// ShutdownManager stops registered components in reverse order of
// registration once a signal arrives or the context ends.
package observability
