// Package observability provides structured logging, Prometheus metrics, health checks
// and graceful shutdown for rolegate processes.
//
// # Structured Logging
//
// Create logger:
//
//	logger, err := observability.NewLogger("info", observability.FormatJSON, os.Stdout)
//	logger.WithField("principal_id", 42).Info("role assigned")
//
// Request-scoped logging:
//
//	router.Use(observability.RequestLogger(logger))
//	observability.FromContext(r.Context(), logger).Warn("permission denied")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveCheck("permission", observability.DecisionAllow)
//	observability.RegisterMetricsEndpoint(router, registry)
//
// A nil *Metrics is accepted everywhere and records nothing, so library users that do not
// run Prometheus can pass nil.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(router, checker)
package observability
