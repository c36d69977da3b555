package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/db"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact <execution-id> <type>",
	Short: "Print an artifact, latest version unless --version is given",
	Long: `Print an artifact's content. Types: user_stories, qa_pairs,
requirements_draft, entities, relationships, check_results, srs, check_report.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := artifact.ParseType(args[1])
		if err != nil {
			return err
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var version *int
		if cmd.Flags().Changed("version") {
			v, _ := cmd.Flags().GetInt("version")
			version = &v
		}
		art, err := a.orch.GetArtifact(cmd.Context(), args[0], t, version)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return writeJSON(cmd, art)
		}
		fmt.Fprintln(cmd.OutOrStdout(), art.Content)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <execution-id> <type>",
	Short: "List every version of one artifact type",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := artifact.ParseType(args[1])
		if err != nil {
			return err
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		arts, err := a.orch.History(cmd.Context(), args[0], t)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return writeJSON(cmd, arts)
		}
		if len(arts) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No %s artifacts.\n", t)
			return nil
		}

		tw := newTable(cmd)
		tw.AppendHeader(table.Row{"Version", "Iteration", "Role", "Caused by", "Confidence", "Created", "Content"})
		for _, art := range arts {
			tw.AppendRow(table.Row{
				art.Version, art.Iteration, art.Role, art.CausedBy, art.ParseConfidence,
				db.FormatTime(art.CreatedAt), truncate(art.Content, 50),
			})
		}
		tw.Render()
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <execution-id>",
	Short: "Show the pipeline event trail of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.orch.Events(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return writeJSON(cmd, events)
		}

		tw := newTable(cmd)
		tw.AppendHeader(table.Row{"Time", "Event", "Phase", "Action", "Iter", "Detail"})
		for _, e := range events {
			tw.AppendRow(table.Row{e.Timestamp, e.Event, e.Phase, e.Action, e.Iteration, truncate(e.Detail, 60)})
		}
		tw.Render()
		return nil
	},
}

func init() {
	artifactCmd.Flags().Int("version", 0, "version to print")
}
