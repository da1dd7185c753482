package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenmeter/pkg/audit"
	"github.com/pario-ai/tokenmeter/pkg/config"
	"github.com/pario-ai/tokenmeter/pkg/logging"
	"github.com/pario-ai/tokenmeter/pkg/models"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the accounting audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(configPath),
		newAuditStatsCmd(configPath),
		newAuditCleanupCmd(configPath),
	)
	return cmd
}

func newAuditSearchCmd(configPath *string) *cobra.Command {
	var (
		subscriptionID int64
		action         string
		since          string
		requestID      string
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				SubscriptionID: subscriptionID,
				Action:         models.AuditAction(action),
				RequestID:      requestID,
				Limit:          limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return writeAuditEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().Int64Var(&subscriptionID, "subscription", 0, "filter by subscription ID")
	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "filter by request ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit log statistics by action and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audit stats found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tDAY\tCOUNT")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Action, s.Day, s.Count)
			}
			return w.Flush()
		},
	}
}

func newAuditCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit entries.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Log.Component = "tokenmeter"
	logger := logging.Init(cfg.Log)

	l, err := audit.New(cfg.Audit, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func writeAuditEntries(out io.Writer, entries []models.AuditEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSUBSCRIPTION\tACTION\tTOKENS\tFROM\tTO\tREQUEST ID")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.SubscriptionID, e.Action, e.Tokens,
			e.FromValue, e.ToValue, e.RequestID)
	}
	return w.Flush()
}
