package main

import (
	"github.com/spf13/cobra"

	"agentdash/internal/config"
	"agentdash/internal/server/bootstrap"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Observability.Tracing.ServiceVersion = appVersion()
			return bootstrap.RunServer(cfg)
		},
	}
	flags := cmd.Flags()
	flags.Int("port", config.DefaultPort, "HTTP listen port")
	flags.String("host", "", "HTTP listen host")
	flags.String("project-root", ".", "directory holding scripts/orchestrator.sh")
	flags.String("workspace-dir", "", "agent status document directory")
	flags.String("logs-dir", "", "orchestrator log directory")
	flags.String("registry", "", "agent registry file (JSONC or YAML)")
	flags.String("store", "sqlite", "store driver: sqlite, postgres or memory")
	flags.String("db", "", "sqlite database path")
	flags.String("postgres-url", "", "postgres connection URL")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	return cmd
}
