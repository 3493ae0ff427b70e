package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agentdash/internal/auth"
	"agentdash/internal/hub"
	"agentdash/internal/logging"
	"agentdash/internal/registry"
)

// RouterDeps holds the services the HTTP router dispatches to.
type RouterDeps struct {
	Launcher      Launcher
	Statuses      StatusSource
	Snapshots     SnapshotSource
	History       HistoryReader
	Registry      *registry.Registry
	Ingester      Ingester
	Hub           *hub.Hub
	Authenticator auth.Authenticator
	Gatherer      prometheus.Gatherer
	Logger        logging.Logger
}

// RouterConfig holds configuration values for the HTTP router.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimit      RateLimitConfig
	ClientBuffer   int
	PingInterval   time.Duration
}
