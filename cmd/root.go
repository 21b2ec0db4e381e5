// Package cmd defines the crawlops command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlops/internal/config"
)

type configKeyType string

const configKey configKeyType = "config"

// newRootCmd creates the root command. Configuration is loaded once before
// any subcommand runs and handed down through the command context.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlops",
		Short: "Crawl orchestration engine with execution profiles and challenge handling.",
		Long: `crawlops runs a URL queue through per-domain politeness limits,
switchable execution profiles, and a human-in-the-loop challenge workflow.
Authentication captured while resolving challenges is stored per domain and
reused by later captures.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./crawlops.yaml, $HOME/.crawlops, /etc/crawlops)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSessionsCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
