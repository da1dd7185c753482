package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenmeter/pkg/models"
)

func newChargeCmd(configPath *string) *cobra.Command {
	var req models.ChargeRequest

	cmd := &cobra.Command{
		Use:   "charge <id>",
		Short: "Record token consumption against a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req.SubscriptionID = id

			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Charge(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Charge %s: %d from subscription, %d from balance. Available: %d\n",
				res.ChargeID, res.SourceBreakdown.Subscription, res.SourceBreakdown.Balance, res.NewAvailableTokens)
			return nil
		},
	}

	cmd.Flags().Int64Var(&req.TokenCount, "tokens", 0, "total tokens consumed")
	cmd.Flags().Int64Var(&req.InputTokens, "input", 0, "input tokens (optional)")
	cmd.Flags().Int64Var(&req.OutputTokens, "output", 0, "output tokens (optional)")
	cmd.Flags().StringVar(&req.ModelName, "model", "", "model name")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run ID (optional)")
	cmd.Flags().StringVar(&req.StepID, "step-id", "", "step ID (optional)")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
