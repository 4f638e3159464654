// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing for orderdesk processes.
//
// # Structured Logging
//
// The logger writes JSON lines through logrus:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("order_id", 42).Info("coordinators assigned")
//
// Request-scoped loggers carry the request ID and acting user:
//
//	observability.FromContext(ctx).Warn("config lookup failed, using defaults")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordPermissionCheck("override", true)
//
// All Record helpers accept a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("image_storage", false, images.HealthCheck)
//	router.HandleFunc("/health/ready", checker.Readiness)
//
// Critical checks fail readiness; the rest, and any check returning an
// error wrapping ErrDegraded, only degrade it.
//
// # Tracing
//
//	tp, err := observability.InitTracing(ctx, cfg, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
package observability
