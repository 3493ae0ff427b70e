package http

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentdash/internal/auth"
	"agentdash/internal/logging"
)

// NewRouter creates the gin engine with every endpoint mounted.
func NewRouter(deps RouterDeps, cfg RouterConfig) *gin.Engine {
	logger := logging.OrNop(deps.Logger)
	authenticator := deps.Authenticator
	if authenticator == nil {
		authenticator = auth.AllowAll{}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLogger(logger))
	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	api := NewAPIHandler(deps.Launcher, deps.Statuses, deps.Snapshots, deps.History, deps.Registry, logger)
	webhooks := NewWebhookHandler(deps.Ingester, logger)

	var hubStats func() any
	if deps.Hub != nil {
		hubStats = func() any { return deps.Hub.Stats() }
		ws := NewWSHandler(deps.Hub, authenticator, originChecker(cfg.AllowedOrigins), cfg.ClientBuffer, cfg.PingInterval, logger)
		engine.GET("/ws", ws.HandleWS)
	}

	engine.GET("/health", api.HandleHealth(hubStats))
	if deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	hooks := engine.Group("/api/webhooks")
	if cfg.RateLimit.Requests > 0 {
		hooks.Use(RateLimit(cfg.RateLimit))
	}
	hooks.POST("/notify", webhooks.HandleNotify)

	protected := engine.Group("/api", RequireAuth(authenticator))
	{
		protected.POST("/projects/:id/execute", api.HandleExecute)
		protected.POST("/projects/:id/stop", api.HandleStop)

		protected.GET("/agents", api.HandleListAgents)
		protected.GET("/agents/:name", api.HandleGetAgent)
		protected.GET("/agents/:name/status", api.HandleGetAgentStatus)

		protected.GET("/executions", api.HandleListExecutions)
		protected.GET("/executions/:id", api.HandleGetExecution)
		protected.GET("/executions/:id/logs", api.HandleExecutionLogs)
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	})
	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	cfg.AllowWebSockets = true
	return cfg
}

// originChecker returns nil, accepting every origin, when no allow list is set.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		return origin == "" || slices.Contains(origins, origin)
	}
}
