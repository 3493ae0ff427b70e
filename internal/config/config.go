// Package config loads agentdash settings from defaults, an optional YAML
// file, AGENTDASH_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"agentdash/internal/observability"
	"agentdash/internal/registry"
	"agentdash/internal/store"
)

const (
	EnvPrefix         = "AGENTDASH"
	DefaultConfigName = "agentdash"
	DefaultPort       = 3001
)

// Config is the full runtime configuration.
type Config struct {
	Server          ServerConfig         `mapstructure:"server"`
	Paths           PathsConfig          `mapstructure:"paths"`
	Orchestrator    OrchestratorConfig   `mapstructure:"orchestrator"`
	Watcher         WatcherConfig        `mapstructure:"watcher"`
	Reconciler      ReconcilerConfig     `mapstructure:"reconciler"`
	Store           store.Config         `mapstructure:"store"`
	Auth            AuthConfig           `mapstructure:"auth"`
	WebSocket       WebSocketConfig      `mapstructure:"websocket"`
	RateLimit       RateLimitConfig      `mapstructure:"rate_limit"`
	Observability   observability.Config `mapstructure:"observability"`
	AgentCategories map[string][]string  `mapstructure:"agent_categories"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PathsConfig struct {
	ProjectRoot   string `mapstructure:"project_root"`
	WorkspaceDir  string `mapstructure:"workspace_dir"`
	LogsDir       string `mapstructure:"logs_dir"`
	AgentRegistry string `mapstructure:"agent_registry"`
}

type OrchestratorConfig struct {
	Interpreter                 string        `mapstructure:"interpreter"`
	Script                      string        `mapstructure:"script"`
	WebhookURL                  string        `mapstructure:"webhook_url"`
	DefaultTimeoutMinutes       int           `mapstructure:"default_timeout_minutes"`
	DefaultMaxParallelTerminals int           `mapstructure:"default_max_parallel_terminals"`
	StopGrace                   time.Duration `mapstructure:"stop_grace"`
}

type WatcherConfig struct {
	WorkspaceSettle   time.Duration `mapstructure:"workspace_settle"`
	LogSettle         time.Duration `mapstructure:"log_settle"`
	TailLines         int           `mapstructure:"tail_lines"`
	SnapshotCacheSize int           `mapstructure:"snapshot_cache_size"`
}

type ReconcilerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RecencyWindow time.Duration `mapstructure:"recency_window"`
	Parallelism   int           `mapstructure:"parallelism"`
}

// AuthConfig enables bearer-token checks when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ClientBuffer int           `mapstructure:"client_buffer"`
}

// RateLimitConfig bounds webhook requests per client IP.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("paths.project_root", ".")
	v.SetDefault("paths.workspace_dir", defaultWorkspaceDir())
	v.SetDefault("paths.logs_dir", "")
	v.SetDefault("paths.agent_registry", "")

	v.SetDefault("orchestrator.interpreter", "bash")
	v.SetDefault("orchestrator.script", "")
	v.SetDefault("orchestrator.webhook_url", "")
	v.SetDefault("orchestrator.default_timeout_minutes", 30)
	v.SetDefault("orchestrator.default_max_parallel_terminals", 4)
	v.SetDefault("orchestrator.stop_grace", 5*time.Second)

	v.SetDefault("watcher.workspace_settle", time.Second)
	v.SetDefault("watcher.log_settle", 500*time.Millisecond)
	v.SetDefault("watcher.tail_lines", 10)
	v.SetDefault("watcher.snapshot_cache_size", 256)

	v.SetDefault("reconciler.interval", 5*time.Second)
	v.SetDefault("reconciler.recency_window", 60*time.Second)
	v.SetDefault("reconciler.parallelism", 8)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", filepath.Join("data", "agentdash.db"))
	v.SetDefault("store.sqlite_pool_size", 4)
	v.SetDefault("store.postgres_url", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "agentdash")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.client_buffer", 256)

	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", 15*time.Minute)

	obs := observability.DefaultConfig()
	v.SetDefault("observability.logging.level", obs.Logging.Level)
	v.SetDefault("observability.logging.format", obs.Logging.Format)
	v.SetDefault("observability.metrics.enabled", obs.Metrics.Enabled)
	v.SetDefault("observability.metrics.path", obs.Metrics.Path)
	v.SetDefault("observability.tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.zipkin_endpoint", obs.Tracing.ZipkinEndpoint)
	v.SetDefault("observability.tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", obs.Tracing.ServiceVersion)

	v.SetDefault("agent_categories", registry.DefaultCategoryTable())
}

func defaultWorkspaceDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "agent-workspaces")
	}
	return filepath.Join(home, ".claude", "agent-workspaces")
}

type loadOptions struct {
	file  string
	flags *pflag.FlagSet
	env   bool
}

type Option func(*loadOptions)

// WithFile reads path instead of searching for agentdash.yaml.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.file = strings.TrimSpace(path) }
}

// WithFlags lets changed flags override file and environment values. Flag
// names use dashes in place of dots and underscores.
func WithFlags(flags *pflag.FlagSet) Option {
	return func(o *loadOptions) { o.flags = flags }
}

// WithoutEnv ignores the process environment.
func WithoutEnv() Option {
	return func(o *loadOptions) { o.env = false }
}

// FlagBindings maps command-line flags onto config keys.
var FlagBindings = map[string]string{
	"port":          "server.port",
	"host":          "server.host",
	"project-root":  "paths.project_root",
	"workspace-dir": "paths.workspace_dir",
	"logs-dir":      "paths.logs_dir",
	"registry":      "paths.agent_registry",
	"store":         "store.driver",
	"db":            "store.sqlite_path",
	"postgres-url":  "store.postgres_url",
	"log-level":     "observability.logging.level",
}

// Load resolves the configuration. A missing default config file is not an
// error; a missing explicit file is.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{env: true}
	for _, opt := range opts {
		opt(&options)
	}

	v := viper.New()
	setDefaults(v)

	if options.env {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	if options.file != "" {
		v.SetConfigFile(options.file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", options.file, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if options.flags != nil {
		for name, key := range FlagBindings {
			if flag := options.flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolvePaths fills paths that default relative to the project root.
func (c *Config) resolvePaths() {
	root := strings.TrimSpace(c.Paths.ProjectRoot)
	if root == "" {
		root = "."
	}
	c.Paths.ProjectRoot = root
	if strings.TrimSpace(c.Paths.LogsDir) == "" {
		c.Paths.LogsDir = filepath.Join(root, "logs")
	}
	if strings.TrimSpace(c.Paths.AgentRegistry) == "" {
		c.Paths.AgentRegistry = filepath.Join(root, "agent-registry.json")
	}
	if strings.TrimSpace(c.Orchestrator.Script) == "" {
		c.Orchestrator.Script = filepath.Join(root, "scripts", "orchestrator.sh")
	}
	if strings.TrimSpace(c.Orchestrator.WebhookURL) == "" {
		host := c.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		c.Orchestrator.WebhookURL = fmt.Sprintf("http://%s:%d/api/webhooks/notify", host, c.Server.Port)
	}
}

// Validate rejects values the services cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if strings.HasPrefix(strings.ToLower(c.Store.Driver), "postgres") && strings.TrimSpace(c.Store.PostgresURL) == "" {
		errs = append(errs, errors.New("store.postgres_url is required for the postgres driver"))
	}
	if c.Reconciler.Interval <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if c.Watcher.WorkspaceSettle <= 0 || c.Watcher.LogSettle <= 0 {
		errs = append(errs, errors.New("watcher settle windows must be positive"))
	}
	return errors.Join(errs...)
}
