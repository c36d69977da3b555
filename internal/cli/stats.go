package cli

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasnoah/reqforge/internal/analytics"
	"github.com/lucasnoah/reqforge/internal/db"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize executions, provider calls and phase durations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		var since string
		if s, _ := cmd.Flags().GetDuration("since"); s > 0 {
			since = db.FormatTime(time.Now().Add(-s))
		}

		summary, err := analytics.Summarize(d, since)
		if err != nil {
			return err
		}
		calls, err := analytics.QueryRoleCallStats(d, since)
		if err != nil {
			return err
		}
		phases, err := analytics.QueryPhaseDurations(d, since)
		if err != nil {
			return err
		}

		if viper.GetBool("json") {
			return writeJSON(cmd, map[string]any{
				"summary":    summary,
				"role_calls": calls,
				"phases":     phases,
			})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Executions: %d  Avg iterations: %.1f  Avg score: %.2f  SRS rate: %.1f%%\n",
			summary.Total, summary.AvgIterations, summary.AvgQualityScore, summary.PassRate)

		tw := newTable(cmd)
		tw.SetTitle("By status")
		tw.AppendHeader(table.Row{"Status", "Count"})
		for _, s := range []string{"pending", "running", "completed", "failed"} {
			tw.AppendRow(table.Row{s, summary.ByStatus[s]})
		}
		tw.AppendSeparator()
		tw.AppendRow(table.Row{"srs", summary.ByOutcome["srs"]})
		tw.AppendRow(table.Row{"check_report", summary.ByOutcome["check_report"]})
		tw.Render()

		if len(calls) > 0 {
			tw = newTable(cmd)
			tw.SetTitle("Provider calls by role")
			tw.AppendHeader(table.Row{"Role", "Actions", "Attempts", "Retries", "Transient", "Permanent", "Avg ms", "P95 ms"})
			for _, c := range calls {
				tw.AppendRow(table.Row{c.Role, c.Actions, c.Attempts, c.Retries, c.Transient, c.Permanent, c.AvgMs, c.P95Ms})
			}
			tw.Render()
		}

		if len(phases) > 0 {
			tw = newTable(cmd)
			tw.SetTitle("Phase durations (seconds)")
			tw.AppendHeader(table.Row{"Phase", "Visits", "Avg", "P50", "P95"})
			for _, p := range phases {
				tw.AppendRow(table.Row{p.Phase, p.Count, p.AvgSecs, p.P50Secs, p.P95Secs})
			}
			tw.Render()
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().Duration("since", 0, "only count the last duration, e.g. 168h")
}
