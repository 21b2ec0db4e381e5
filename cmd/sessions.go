package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/clock/system"
	"github.com/JakeFAU/crawlops/internal/server"
	"github.com/JakeFAU/crawlops/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspects and prunes stored domain sessions",
	}
	cmd.AddCommand(newSessionsListCmd(), newSessionsDomainsCmd(), newSessionsClearCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		domain     string
		activeOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Prints stored sessions as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessions(cmd.Context(), func(store session.Store) error {
				records, err := store.List(cmd.Context(), session.ListFilter{Domain: domain, ActiveOnly: activeOnly})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, rec := range records {
					// Payloads hold credentials; only metadata is printed.
					rec.Payload = nil
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only list sessions for this domain")
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "skip expired sessions")
	return cmd
}

func newSessionsDomainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "Prints every domain with a stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessions(cmd.Context(), func(store session.Store) error {
				domains, err := store.Domains(cmd.Context())
				if err != nil {
					return err
				}
				for _, d := range domains {
					fmt.Fprintln(cmd.OutOrStdout(), d)
				}
				return nil
			})
		},
	}
}

func newSessionsClearCmd() *cobra.Command {
	var (
		domain      string
		expiredOnly bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Deletes stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessions(cmd.Context(), func(store session.Store) error {
				n, err := store.Clear(cmd.Context(), domain, expiredOnly)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d session(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only clear sessions for this domain")
	cmd.Flags().BoolVar(&expiredOnly, "expired-only", false, "only clear expired sessions")
	return cmd
}

func withSessions(ctx context.Context, fn func(session.Store) error) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	store, err := server.OpenSessions(ctx, cfg.Sessions, system.New(), zap.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}
