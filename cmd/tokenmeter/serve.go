package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/tokenmeter/pkg/api"
	"github.com/pario-ai/tokenmeter/pkg/metrics"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the lifecycle sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen == "" {
				listen = a.cfg.Listen
			}
			srv := api.New(a.engine, metrics.Get(), a.log)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx, listen)
			})
			if a.cfg.Sweep.Enabled && a.cfg.Sweep.Interval > 0 {
				g.Go(func() error {
					return a.engine.RunSweeper(gctx, a.cfg.Sweep.Interval)
				})
			}

			a.log.Info().Str("config", *configPath).Str("db", a.cfg.DBPath).Msg("starting tokenmeter")
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Persist due trial expiries and period rollovers once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Due: %d  Advanced: %d  Failed: %d\n", report.Due, report.Advanced, report.Failed)
			return nil
		},
	}
}
