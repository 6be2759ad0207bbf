// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the run pipeline.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts credentials from
// string attributes and messages before they reach the output:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.ContextWithRunID(ctx, runID)
//	observability.LoggerFromContext(ctx, logger).Info("run finished", "steps", 3)
//
// # Metrics
//
// Metrics registers its collectors with the supplied registerer so tests can
// use an isolated prometheus.Registry. It also implements the tool assembler's
// connection observer:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RunFinished("stream", "success", time.Since(start))
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// otherwise returns a tracer backed by the global (no-op) provider:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "agent0"})
//	defer shutdown(context.Background())
//	ctx, span := tracer.Start(ctx, "run.assemble")
//	defer span.End()
package observability
