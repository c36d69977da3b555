package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasnoah/reqforge/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export <execution-id>",
	Short: "Write an execution's artifacts to a directory",
	Long: `Export writes the latest version of every artifact as <type>.md, the final
document as requirements_specification.md and a summary as execution.json.
The default directory is <output.dir>/<execution-id>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id := args[0]
		ex, err := a.orch.GetStatus(cmd.Context(), id)
		if err != nil {
			return err
		}
		arts, err := a.orch.ListArtifacts(cmd.Context(), id)
		if err != nil {
			return err
		}

		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = filepath.Join(a.cfg.Output.Dir, id)
		}
		m, err := export.Write(dir, ex, arts)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return writeJSON(cmd, m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d artifact(s) to %s\n", len(m.Files), dir)
		if m.Specification == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No final document: the execution did not complete.")
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("dir", "", "output directory")
}
