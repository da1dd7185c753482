package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPlansCmd(configPath *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List subscription plans and token packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			plans, err := a.engine.Plans(cmd.Context(), !all)
			if err != nil {
				return err
			}
			packages, err := a.engine.Packages(cmd.Context(), !all)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLAN\tNAME\tKIND\tTOKENS\tPRICE\tPERIOD\tTRIAL\tFEATURES\tACTIVE")
			for _, p := range plans {
				price := "-"
				if p.MonthlyPriceCents != nil {
					price = cents(*p.MonthlyPriceCents, p.Currency)
				}
				trial := "-"
				if p.TrialDays != nil {
					trial = fmt.Sprintf("%dd", *p.TrialDays)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%dd\t%s\t%s\t%t\n",
					p.ID, p.Name, p.Kind(), p.MonthlyTokens, price, int(p.Period().Hours()/24),
					trial, strings.Join(p.Features, ","), p.IsActive)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "PACKAGE\tNAME\tTOKENS\tPRICE\tACTIVE")
			for _, p := range packages {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\n", p.ID, p.Name, p.Tokens, cents(p.PriceCents, p.Currency), p.IsActive)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include hidden and inactive entries")
	return cmd
}

func cents(c int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", c/100, c%100, currency)
}
