package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentdash/internal/domain"
	"agentdash/internal/logging"
	"agentdash/internal/reconciler"
	"agentdash/internal/registry"
	"agentdash/internal/store"
)

type discardPublisher struct{}

func (discardPublisher) EmitAgentStatus(string, any) int { return 0 }

func newAgentsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents with their computed status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := registry.Load(cfg.Paths.AgentRegistry)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := store.Open(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := reconciler.New(reconciler.Config{
				WorkspaceDir:  cfg.Paths.WorkspaceDir,
				RecencyWindow: cfg.Reconciler.RecencyWindow,
			}, reg, st, discardPublisher{},
				reconciler.WithLogger(logging.Nop()),
				reconciler.WithCategories(registry.NewCategories(cfg.AgentCategories)))
			if err != nil {
				return err
			}
			printAgents(cmd.OutOrStdout(), reg, rec.Statuses(ctx))
			return nil
		},
	}
	cmd.Flags().String("registry", "", "agent registry file (JSONC or YAML)")
	cmd.Flags().String("workspace-dir", "", "agent status document directory")
	cmd.Flags().String("store", "sqlite", "store driver: sqlite, postgres or memory")
	cmd.Flags().String("db", "", "sqlite database path")
	return cmd
}

func printAgents(out io.Writer, reg *registry.Registry, statuses []domain.ComputedAgentStatus) {
	if len(statuses) == 0 {
		fmt.Fprintln(out, gray("no agents registered"))
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, bold("AGENT")+"\t"+bold("CATEGORY")+"\t"+bold("STATUS")+"\t"+bold("RUNS")+"\t"+bold("SUCCESS")+"\t"+bold("CAPABILITIES"))
	for _, s := range statuses {
		var caps string
		if def, ok := reg.Lookup(s.Name); ok {
			caps = strings.Join(def.Capabilities, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.0f%%\t%s\n",
			s.Name, s.Category, colorStatus(s.Status), s.Metrics.TotalExecutions, s.Metrics.SuccessRate, gray(caps))
	}
	_ = tw.Flush()
}

func colorStatus(status domain.AgentStatus) string {
	switch status {
	case domain.AgentRunning:
		return green(string(status))
	case domain.AgentIdle:
		return cyan(string(status))
	case domain.AgentError:
		return red(string(status))
	default:
		return yellow(string(status))
	}
}
