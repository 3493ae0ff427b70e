package bootstrap

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agentdash/internal/logging"
	"agentdash/internal/observability"
)

// InitLogging installs the structured logger configured by cfg as the
// default behind logging.NewComponentLogger.
func InitLogging(cfg observability.LoggingConfig) {
	logging.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: os.Stderr,
	}))
}

// InitTracing best-effort starts the tracer provider and returns a cleanup hook.
func InitTracing(cfg observability.TracingConfig, logger logging.Logger) func() {
	logger = logging.OrNop(logger)
	tp, err := observability.NewTracerProvider(cfg)
	if err != nil {
		logger.Warn("Tracing disabled: %v", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Tracer shutdown error: %v", err)
		}
	}
}

// InitMetrics creates a private registry carrying the runtime collectors and
// the application metrics.
func InitMetrics() (*prometheus.Registry, *observability.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, observability.MustNewMetrics(reg)
}
