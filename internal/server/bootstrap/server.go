// Package bootstrap assembles the monitoring services from configuration
// and runs the HTTP server until a shutdown signal arrives.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"agentdash/internal/async"
	"agentdash/internal/auth"
	"agentdash/internal/config"
	"agentdash/internal/hub"
	"agentdash/internal/ingest"
	"agentdash/internal/logging"
	"agentdash/internal/observability"
	"agentdash/internal/reconciler"
	"agentdash/internal/registry"
	serverHTTP "agentdash/internal/server/http"
	"agentdash/internal/store"
	"agentdash/internal/supervisor"
	"agentdash/internal/watcher"
)

// Services is the wired application. Start launches the background loops and
// Close releases everything in reverse order.
type Services struct {
	Config     config.Config
	Store      store.Store
	Registry   *registry.Registry
	Hub        *hub.Hub
	Supervisor *supervisor.Supervisor
	Watcher    *watcher.Watcher
	Reconciler *reconciler.Reconciler
	Ingestor   *ingest.Ingestor
	Router     *gin.Engine
	Degraded   *DegradedComponents

	gatherer prometheus.Gatherer
	logger   logging.Logger
	cancel   context.CancelFunc
}

// Build constructs every service without starting background work.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Gatherer, metrics *observability.Metrics) (*Services, error) {
	logger := logging.NewComponentLogger("Bootstrap")
	svc := &Services{
		Config:   cfg,
		Degraded: NewDegradedComponents(),
		gatherer: reg,
		logger:   logger,
	}

	var authenticator auth.Authenticator = auth.AllowAll{}
	stages := []Stage{
		{
			Name: "store", Required: true,
			Init: func() error {
				st, err := store.Open(ctx, cfg.Store)
				if err != nil {
					return err
				}
				svc.Store = st
				logger.Info("Store ready (driver=%s)", cfg.Store.Driver)
				return nil
			},
		},
		{
			Name: "agent-registry", Required: false,
			Init: func() error {
				r, err := registry.LoadOrEmpty(cfg.Paths.AgentRegistry)
				svc.Registry = r
				if err == nil {
					logger.Info("Loaded %d agent definitions from %s", r.Len(), cfg.Paths.AgentRegistry)
				}
				return err
			},
		},
		{
			Name: "auth", Required: true,
			Init: func() error {
				if cfg.Auth.JWTSecret == "" {
					logger.Warn("No JWT secret configured; API and websocket accept unauthenticated clients")
					return nil
				}
				a, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
				if err != nil {
					return err
				}
				authenticator = a
				return nil
			},
		},
	}
	if err := RunStages(stages, svc.Degraded, logger); err != nil {
		if svc.Store != nil {
			_ = svc.Store.Close()
		}
		return nil, err
	}

	svc.Hub = hub.New(hub.WithLogger(logging.NewComponentLogger("Hub")), hub.WithMetrics(metrics))

	sup, err := supervisor.New(supervisor.Config{
		Interpreter:                 cfg.Orchestrator.Interpreter,
		Script:                      cfg.Orchestrator.Script,
		WorkingDir:                  cfg.Paths.ProjectRoot,
		WebhookURL:                  cfg.Orchestrator.WebhookURL,
		DefaultTimeoutMinutes:       cfg.Orchestrator.DefaultTimeoutMinutes,
		DefaultMaxParallelTerminals: cfg.Orchestrator.DefaultMaxParallelTerminals,
		StopGrace:                   cfg.Orchestrator.StopGrace,
	}, svc.Store, svc.Hub,
		supervisor.WithLogger(logging.NewComponentLogger("Supervisor")),
		supervisor.WithMetrics(metrics))
	if err != nil {
		_ = svc.Store.Close()
		return nil, fmt.Errorf("build supervisor: %w", err)
	}
	svc.Supervisor = sup

	w, err := watcher.New(watcher.Config{
		WorkspaceDir:      cfg.Paths.WorkspaceDir,
		LogsDir:           cfg.Paths.LogsDir,
		WorkspaceSettle:   cfg.Watcher.WorkspaceSettle,
		LogSettle:         cfg.Watcher.LogSettle,
		TailLines:         cfg.Watcher.TailLines,
		SnapshotCacheSize: cfg.Watcher.SnapshotCacheSize,
	}, svc.Registry, svc.Store, svc.Hub,
		watcher.WithLogger(logging.NewComponentLogger("Watcher")),
		watcher.WithMetrics(metrics))
	if err != nil {
		_ = svc.Store.Close()
		return nil, fmt.Errorf("build watcher: %w", err)
	}
	svc.Watcher = w

	rec, err := reconciler.New(reconciler.Config{
		WorkspaceDir:  cfg.Paths.WorkspaceDir,
		Interval:      cfg.Reconciler.Interval,
		RecencyWindow: cfg.Reconciler.RecencyWindow,
		Parallelism:   cfg.Reconciler.Parallelism,
	}, svc.Registry, svc.Store, svc.Hub,
		reconciler.WithLogger(logging.NewComponentLogger("Reconciler")),
		reconciler.WithMetrics(metrics),
		reconciler.WithCategories(registry.NewCategories(cfg.AgentCategories)))
	if err != nil {
		_ = svc.Store.Close()
		return nil, fmt.Errorf("build reconciler: %w", err)
	}
	svc.Reconciler = rec

	svc.Ingestor = ingest.New(svc.Store, svc.Hub,
		ingest.WithLogger(logging.NewComponentLogger("Webhooks")),
		ingest.WithMetrics(metrics))

	svc.Router = serverHTTP.NewRouter(serverHTTP.RouterDeps{
		Launcher:      svc.Supervisor,
		Statuses:      svc.Reconciler,
		Snapshots:     svc.Watcher,
		History:       svc.Store,
		Registry:      svc.Registry,
		Ingester:      svc.Ingestor,
		Hub:           svc.Hub,
		Authenticator: authenticator,
		Gatherer:      gathererFor(cfg, reg),
		Logger:        logging.NewComponentLogger("HTTP"),
	}, serverHTTP.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit: serverHTTP.RateLimitConfig{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
		},
		ClientBuffer: cfg.WebSocket.ClientBuffer,
		PingInterval: cfg.WebSocket.PingInterval,
	})
	return svc, nil
}

func gathererFor(cfg config.Config, reg prometheus.Gatherer) prometheus.Gatherer {
	if !cfg.Observability.Metrics.Enabled {
		return nil
	}
	return reg
}

// Start launches the watcher, reconciler and liveness ping. Watcher and
// reconciler failures degrade the service instead of aborting it.
func (s *Services) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	stages := []Stage{
		{Name: "watcher", Init: func() error { return s.Watcher.Start(ctx) }},
		{Name: "reconciler", Init: func() error { return s.Reconciler.Start(ctx) }},
		{
			Name: "hub-ping",
			Init: func() error {
				async.Go(s.logger, "hub.ping", func() { s.Hub.RunPing(ctx, s.Config.WebSocket.PingInterval) })
				return nil
			},
		},
	}
	if err := RunStages(stages, s.Degraded, s.logger); err != nil {
		cancel()
		return err
	}
	if !s.Degraded.IsEmpty() {
		s.logger.Warn("[Bootstrap] Running in degraded mode: %v", s.Degraded.Map())
	}
	return nil
}

// Close terminates live executions and stops every background loop.
func (s *Services) Close(ctx context.Context) error {
	s.Supervisor.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.Watcher.Stop()
	s.Reconciler.Stop()
	return s.Store.Close()
}

// RunServer builds the services from cfg, serves HTTP and blocks until
// SIGINT or SIGTERM.
func RunServer(cfg config.Config) error {
	InitLogging(cfg.Observability.Logging)
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting agentdash on %s", cfg.Server.Addr())

	cleanupTracing := InitTracing(cfg.Observability.Tracing, logger)
	defer cleanupTracing()

	gin.SetMode(gin.ReleaseMode)
	reg, metrics := InitMetrics()
	ctx := context.Background()
	svc, err := Build(ctx, cfg, reg, metrics)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Close(ctx)
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           svc.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serveErr := serveUntilSignal(server, cfg.Server.ShutdownTimeout, logger)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Warn("Close error: %v", err)
	}
	logger.Info("Server stopped")
	return serveErr
}

func serveUntilSignal(server *http.Server, timeout time.Duration, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("Server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		shutdownErr := server.Shutdown(ctx)

		serveErr := <-errCh
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		return serveErr
	}
}
