package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenmeter/pkg/models"
)

func newTokensCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Credit balance tokens to a subscription",
	}

	addCmd := &cobra.Command{
		Use:   "add <id> <amount>",
		Short: "Grant balance tokens",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.AddTokens(cmd.Context(), id, amount)
			if err != nil {
				return err
			}
			printPurchase(cmd, res)
			return nil
		},
	}

	purchaseCmd := &cobra.Command{
		Use:   "purchase <id> <package>",
		Short: "Buy a token package",
		Args:  cobra.ExactArgs(2),
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

			res, err := a.engine.Purchase(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			printPurchase(cmd, res)
			return nil
		},
	}

	cmd.AddCommand(addCmd, purchaseCmd)
	return cmd
}

func printPurchase(cmd *cobra.Command, res models.PurchaseResult) {
	p := res.Purchase
	label := string(p.Kind)
	if p.PackageID != "" {
		label += " " + p.PackageID
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Credited %d tokens (%s). Balance: %d\n", p.Tokens, label, res.TokenBalance)
}
