package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlops/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the dispatcher and the HTTP API",
		Long: `Builds every component from configuration, starts the queue
dispatcher and the session sweeper, and serves the HTTP API until SIGINT or
SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
