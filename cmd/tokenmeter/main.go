package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tokenmeter",
		Short:         "Subscription entitlements and token accounting",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to tokenmeter config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newSweepCmd(&configPath),
		newSubscriptionCmd(&configPath),
		newTokensCmd(&configPath),
		newChargeCmd(&configPath),
		newHistoryCmd(&configPath),
		newVerifyCmd(&configPath),
		newPlansCmd(&configPath),
		newAuditCmd(&configPath),
		newCacheCmd(&configPath),
		newMCPCmd(&configPath),
	)
	return root
}
