package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasnoah/reqforge/internal/db"
	"github.com/lucasnoah/reqforge/internal/execution"
)

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the status of one execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ex, err := a.orch.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return writeJSON(cmd, ex)
		}

		phases := make([]string, len(ex.PhaseHistory))
		for i, p := range ex.PhaseHistory {
			phases[i] = string(p)
		}

		tw := newTable(cmd)
		tw.AppendRows([]table.Row{
			{"Execution", ex.ID},
			{"Project", ex.ProjectID},
			{"Status", ex.Status},
			{"Phase", ex.Phase},
			{"History", strings.Join(phases, " → ")},
			{"Iterations", fmt.Sprintf("%d / %d", ex.IterationCount, ex.Settings.MaxIterations)},
			{"Quality", fmt.Sprintf("%s (threshold %.2f)", formatScore(ex.QualityScore), ex.Settings.QualityThreshold)},
			{"Created", db.FormatTime(ex.CreatedAt)},
		})
		if ex.Outcome != "" {
			tw.AppendRow(table.Row{"Outcome", ex.Outcome})
		}
		if ex.CompletedAt != nil {
			tw.AppendRow(table.Row{"Finished", db.FormatTime(*ex.CompletedAt)})
		}
		if ex.Failure != nil {
			tw.AppendRow(table.Row{"Failure", ex.Failure.Error()})
		}
		tw.Render()
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		project, _ := cmd.Flags().GetString("project")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		list, err := a.orch.List(cmd.Context(), execution.Filter{
			ProjectID: project,
			Status:    execution.Status(status),
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return writeJSON(cmd, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No executions found.")
			return nil
		}

		tw := newTable(cmd)
		tw.AppendHeader(table.Row{"ID", "Project", "Status", "Phase", "Iter", "Score", "Outcome", "Created"})
		for _, ex := range list {
			tw.AppendRow(table.Row{
				ex.ID, ex.ProjectID, ex.Status, ex.Phase, ex.IterationCount,
				formatScore(ex.QualityScore), ex.Outcome, db.FormatTime(ex.CreatedAt),
			})
		}
		tw.Render()
		return nil
	},
}

func init() {
	listCmd.Flags().String("project", "", "only executions of this project")
	listCmd.Flags().String("status", "", "only executions with this status")
	listCmd.Flags().Int("limit", 50, "maximum executions to list (0 for all)")
}
