package main

import (
	"fmt"

	"github.com/spf13/cobra"

	cachepkg "github.com/pario-ai/tokenmeter/pkg/cache/sqlite"
	"github.com/pario-ai/tokenmeter/pkg/config"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the entitlement snapshot cache",
	}

	openCache := func() (*cachepkg.Cache, error) {
		cfg, err := config.LoadOrDefault(*configPath)
		if err != nil {
			return nil, err
		}
		return cachepkg.New(cfg.Cache.DBPath, cfg.Cache.TTL)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entries:  %d (%d expired)\nHits:     %d\nMisses:   %d\nHit rate: %.1f%%\n",
				stats.Entries, stats.Expired, stats.Hits, stats.Misses, stats.HitRate())
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Clear(expiredOnly); err != nil {
				return err
			}
			if expiredOnly {
				fmt.Fprintln(cmd.OutOrStdout(), "Expired cache entries cleared.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "All cache entries cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
