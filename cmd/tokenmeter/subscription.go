package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/subscription"
)

func newSubscriptionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Create, inspect and change subscriptions",
	}

	cmd.AddCommand(
		newSubscriptionCreateCmd(configPath),
		newSubscriptionShowCmd(configPath),
		newSubscriptionListCmd(configPath),
		newSubscriptionCancelCmd(configPath),
		newSubscriptionChangePlanCmd(configPath),
		newSubscriptionResetPeriodCmd(configPath),
		newSubscriptionExtendTrialCmd(configPath),
	)
	return cmd
}

func newSubscriptionCreateCmd(configPath *string) *cobra.Command {
	var user, org, plan string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a subscription for a user in an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := a.engine.CreateSubscription(cmd.Context(), user, org, plan)
			if err != nil {
				return err
			}
			printSubscription(cmd.OutOrStdout(), sub)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user ID")
	cmd.Flags().StringVar(&org, "org", "", "organization ID")
	cmd.Flags().StringVar(&plan, "plan", "", "plan ID")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newSubscriptionShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a subscription and its entitlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := a.engine.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			snap, err := a.engine.FreshSnapshot(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printSubscription(out, sub)
			fmt.Fprintln(out)
			printSnapshot(out, snap)
			return nil
		},
	}
}

func newSubscriptionListCmd(configPath *string) *cobra.Command {
	var (
		user, org, status string
		limit             int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.Status(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			subs, err := a.engine.List(cmd.Context(), subscription.ListFilter{
				UserID:         user,
				OrganizationID: org,
				Status:         st,
				Limit:          limit,
			})
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tORG\tPLAN\tSTATUS\tPERIOD END\tUSED\tBALANCE")
			for _, s := range subs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					s.ID, s.UserID, s.OrganizationID, s.PlanID, s.Status,
					s.PeriodEnd.Format(time.RFC3339), s.TokensUsedThisPeriod, s.TokenBalance)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "filter by user ID")
	cmd.Flags().StringVar(&org, "org", "", "filter by organization ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (trial, active, expired, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 100, "max subscriptions to return")
	return cmd
}

func newSubscriptionCancelCmd(configPath *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := a.engine.Cancel(cmd.Context(), id, reason)
			if err != nil {
				return err
			}
			printSubscription(cmd.OutOrStdout(), sub)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func newSubscriptionChangePlanCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "change-plan <id> <plan>",
		Short: "Move a subscription to another plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return applyChange(cmd, *configPath, id, models.PlanChangeRequest{PlanID: args[1]})
		},
	}
}

func newSubscriptionResetPeriodCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-period <id>",
		Short: "Open a fresh accounting period starting now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return applyChange(cmd, *configPath, id, models.PlanChangeRequest{ResetPeriod: true})
		},
	}
}

func newSubscriptionExtendTrialCmd(configPath *string) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "extend-trial <id>",
		Short: "Extend the trial of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return applyChange(cmd, *configPath, id, models.PlanChangeRequest{ExtendTrialDays: &days})
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "number of days to add")
	return cmd
}

func applyChange(cmd *cobra.Command, configPath string, id int64, req models.PlanChangeRequest) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Apply(cmd.Context(), id, req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printSubscription(out, res.Subscription)
	fmt.Fprintln(out)
	printSnapshot(out, res.Entitlement)
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subscription id %q", s)
	}
	return id, nil
}

func printSubscription(out io.Writer, s models.Subscription) {
	fmt.Fprintf(out, "Subscription:  %d\n", s.ID)
	fmt.Fprintf(out, "User:          %s\n", s.UserID)
	fmt.Fprintf(out, "Organization:  %s\n", s.OrganizationID)
	fmt.Fprintf(out, "Plan:          %s\n", s.PlanID)
	fmt.Fprintf(out, "Status:        %s\n", s.Status)
	fmt.Fprintf(out, "Period:        %s .. %s\n", s.PeriodStart.Format(time.RFC3339), s.PeriodEnd.Format(time.RFC3339))
	if s.TrialEndsAt != nil {
		fmt.Fprintf(out, "Trial ends:    %s\n", s.TrialEndsAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Balance:       %d\n", s.TokenBalance)
	if s.CancelledAt != nil {
		reason := ""
		if s.CancelledReason != nil {
			reason = *s.CancelledReason
		}
		fmt.Fprintf(out, "Cancelled:     %s %s\n", s.CancelledAt.Format(time.RFC3339), reason)
	}
}

func printSnapshot(out io.Writer, s models.Snapshot) {
	fmt.Fprintf(out, "Allocated:     %d\n", s.TokensAllocated)
	fmt.Fprintf(out, "Used:          %d (%.1f%%)\n", s.TokensUsedThisPeriod, s.TokensUsedPercent)
	fmt.Fprintf(out, "Remaining:     %d\n", s.TokensRemaining)
	fmt.Fprintf(out, "Available:     %d\n", s.AvailableTokens)
	if s.IsTrial {
		fmt.Fprintf(out, "Trial days:    %d\n", s.TrialDaysRemaining)
	}
}
