package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/taskbroker/internal/cost"
	"github.com/me/taskbroker/pkg/model"
)

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/providers")
			if err != nil {
				return fmt.Errorf("list providers: %w", err)
			}
			var providers []model.Provider
			if err := decode(resp, &providers); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(providers) == 0 {
				fmt.Fprintln(out, "No providers registered.")
				return nil
			}
			fmt.Fprintf(out, "%-24s  %-12s  %-10s  %-9s  %-8s  %s\n", "NAME", "HEALTH", "LOCALITY", "TIER", "PRIORITY", "TASKS")
			for _, p := range providers {
				fmt.Fprintf(out, "%-24s  %-12s  %-10s  %-9s  %-8d  %v\n",
					p.Name, p.Health, p.Locality, p.CostTier, p.Priority, p.TaskTypes)
			}
			return nil
		},
	}
}

func newBudgetCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show spend against budget limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/budget"
			if owner != "" {
				path += "?owner=" + url.QueryEscape(owner)
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("get budget: %w", err)
			}
			var sum cost.Summary
			if err := decode(resp, &sum); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Budget level: %s\n", sum.Status.Level)
			for _, st := range sum.Status.Scopes {
				fmt.Fprintf(out, "  %s\n", st.Scope)
				fmt.Fprintf(out, "    day   %s: %.4f / %s\n", st.Day, st.DailySpent, limitString(st.DailyLimit))
				fmt.Fprintf(out, "    month %s: %.4f / %s\n", st.Month, st.MonthlySpent, limitString(st.MonthlyLimit))
				fmt.Fprintf(out, "    level: %s\n", st.Level)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Include this owner's scope")
	return cmd
}

func limitString(limit float64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.4f", limit)
}
