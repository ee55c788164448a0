package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sofatutor/gemini-pool/internal/metrics"
	"github.com/spf13/cobra"
)

// dayArg parses a YYYY-MM-DD flag value, empty meaning today.
func dayArg(name, v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	t, err := metrics.ParseDay(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q, expected YYYY-MM-DD", name, v)
	}
	return t, nil
}

func newMetricsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Inspect usage metrics and error logs",
	}

	var (
		start, end string
		day        string
		quota      int64
		retention  int
	)

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate daily metrics over an inclusive date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := dayArg("start", start)
			if err != nil {
				return err
			}
			to, err := dayArg("end", end)
			if err != nil {
				return err
			}
			agg, err := c.app.metrics.GetAggregatedMetrics(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			rates, err := c.app.metrics.GetAccountErrorRates(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			out := struct {
				Metrics metrics.AggregatedMetrics  `json:"metrics"`
				Rates   []metrics.AccountErrorRate `json:"account_error_rates"`
			}{agg, rates}
			return c.output(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "Range:\t%s .. %s (%d days)\n", agg.StartDate, agg.EndDate, agg.Days)
				fmt.Fprintf(w, "Requests:\t%d\nSuccessful:\t%d\nFailed:\t%d\nTokens:\t%d\n",
					agg.TotalRequests, agg.SuccessfulRequests, agg.FailedRequests, agg.TotalTokens)
				if len(agg.ErrorBreakdown) > 0 {
					fmt.Fprintln(w, "\nERROR TYPE\tCOUNT")
					kinds := make([]string, 0, len(agg.ErrorBreakdown))
					for k := range agg.ErrorBreakdown {
						kinds = append(kinds, k)
					}
					sort.Strings(kinds)
					for _, k := range kinds {
						fmt.Fprintf(w, "%s\t%d\n", k, agg.ErrorBreakdown[k])
					}
				}
				if len(rates) > 0 {
					fmt.Fprintln(w, "\nACCOUNT\tSUCCESSES\tFAILURES\tERROR RATE")
					for _, r := range rates {
						fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\n", r.AccountID, r.Successes, r.Failures, r.ErrorRate*100)
					}
				}
			})
		},
	}
	summaryCmd.Flags().StringVar(&start, "start", "", "First day, YYYY-MM-DD (default today)")
	summaryCmd.Flags().StringVar(&end, "end", "", "Last day, YYYY-MM-DD (default today)")

	predictCmd := &cobra.Command{
		Use:   "predict <project-id>",
		Short: "Estimate when a project exhausts its daily quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := quota
			if !cmd.Flags().Changed("quota") {
				p, err := c.app.pool.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				q = int64(p.DailyQuota)
			}
			if q <= 0 {
				return fmt.Errorf("project %s has no daily quota; pass --quota", args[0])
			}
			pred, err := c.app.metrics.PredictQuotaExhaustion(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			return c.output(cmd, pred, func(w io.Writer) {
				fmt.Fprintf(w, "Project:\t%s\nUsed today:\t%d/%d\nRate:\t%.2f/h\n",
					pred.ProjectID, pred.UsedToday, pred.DailyQuota, pred.RatePerHour)
				if pred.ExhaustionAt != nil {
					fmt.Fprintf(w, "Exhaustion:\t%s (in %.1fh)\n", pred.ExhaustionAt.Format(time.RFC3339), *pred.HoursUntilExhaustion)
				} else {
					fmt.Fprintln(w, "Exhaustion:\tnot predicted")
				}
			})
		},
	}
	predictCmd.Flags().Int64Var(&quota, "quota", 0, "Daily quota (default the project's configured quota)")

	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "Show the error log of one day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := dayArg("date", day)
			if err != nil {
				return err
			}
			entries, err := c.app.metrics.GetErrors(cmd.Context(), t)
			if err != nil {
				return err
			}
			return c.output(cmd, entries, func(w io.Writer) {
				fmt.Fprintln(w, "TIME\tTYPE\tPROJECT\tSTATUS\tMESSAGE")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.Timestamp.Format(time.TimeOnly), e.Type, e.ProjectID, e.StatusCode, e.Message)
				}
			})
		},
	}
	errorsCmd.Flags().StringVar(&day, "date", "", "Day, YYYY-MM-DD (default today)")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete metrics and error logs past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			days := c.app.cfg.MetricsRetention
			if cmd.Flags().Changed("retention-days") {
				days = retention
			}
			removed, err := c.app.metrics.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			return c.output(cmd, map[string]int{"removed": removed, "retention_days": days}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d keys older than %d days.\n", removed, days)
			})
		},
	}
	cleanupCmd.Flags().IntVar(&retention, "retention-days", 0, "Days to keep (default METRICS_RETENTION_DAYS)")

	cmd.AddCommand(summaryCmd, predictCmd, errorsCmd, cleanupCmd)
	return cmd
}
