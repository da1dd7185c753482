package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/subscription"
)

func newHistoryCmd(configPath *string) *cobra.Command {
	var (
		model, provider, source, since string
		limit, offset                  int
		summary                        bool
	)

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show consumption history of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			src := models.SourceType(source)
			if src != "" && !src.Valid() {
				return fmt.Errorf("--source must be subscription or balance")
			}
			var sinceTime time.Time
			if since != "" {
				if sinceTime, err = time.Parse("2006-01-02", since); err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
			}

			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if summary {
				rows, err := a.engine.Summary(cmd.Context(), id, sinceTime)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No usage data found.")
					return nil
				}
				fmt.Fprintln(w, "MODEL\tPROVIDER\tSOURCE\tCHARGES\tINPUT\tOUTPUT\tTOKENS\tCOST\tPRICE")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.4f\t%.4f\n",
						r.ModelName, r.Provider, r.SourceType, r.ChargeCount,
						r.InputTokens, r.OutputTokens, r.Tokens, r.Cost, r.Price)
				}
				return w.Flush()
			}

			page, err := a.engine.History(cmd.Context(), models.HistoryQuery{
				SubscriptionID: id,
				From:           sinceTime,
				Model:          model,
				Provider:       provider,
				Source:         src,
				Limit:          limit,
				Offset:         offset,
			})
			if err != nil {
				return err
			}
			if len(page.Entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No ledger entries found.")
				return nil
			}
			fmt.Fprintln(w, "TIME\tCHARGE\tMODEL\tPROVIDER\tSOURCE\tINPUT\tOUTPUT\tTOKENS\tPRICE")
			for _, e := range page.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.4f\n",
					e.CreatedAt.Format("2006-01-02T15:04:05"), e.ChargeID, e.ModelName, e.Provider,
					e.SourceType, e.InputTokens, e.OutputTokens, e.Tokens, e.Price)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d entries.\n", len(page.Entries), page.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&source, "source", "", "filter by source (subscription, balance)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().BoolVar(&summary, "summary", false, "aggregate by model, provider and source")
	return cmd
}

func newVerifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [id...]",
		Short: "Check stored balances against the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var ids []int64
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				subs, err := a.engine.List(cmd.Context(), subscription.ListFilter{})
				if err != nil {
					return err
				}
				for _, s := range subs {
					ids = append(ids, s.ID)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTORED\tCREDITS\tDEBITS\tOK")
			bad := 0
			for _, id := range ids {
				r, err := a.engine.Verify(cmd.Context(), id)
				if err != nil {
					return err
				}
				ok := "yes"
				if !r.Consistent() {
					ok = "NO"
					bad++
				}
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", r.SubscriptionID, r.Stored, r.Credits, r.Debits, ok)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d balances are inconsistent with the ledger", bad, len(ids))
			}
			return nil
		},
	}
}
