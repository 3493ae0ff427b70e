package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"agentdash/internal/config"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether stdout is an interactive terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "agentdash",
		Short:         "Monitor and supervise multi-agent orchestration runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if !isTTY() {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default ./agentdash.yaml)")

	root.AddCommand(
		newServeCommand(opts),
		newAgentsCommand(opts),
		newTokenCommand(opts),
		newVersionCommand(),
	)
	return root
}

// loadConfig resolves the configuration with the command's flags on top.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	loadOpts := []config.Option{config.WithFlags(cmd.Flags())}
	if o.configFile != "" {
		loadOpts = append(loadOpts, config.WithFile(o.configFile))
	}
	return config.Load(loadOpts...)
}
