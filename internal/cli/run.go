package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/export"
	"github.com/lucasnoah/reqforge/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run <input-file|->",
	Short: "Run the pipeline on a description and wait for the result",
	Long: `Run reads a natural-language description of the software from a file
(or stdin with "-") and drives it through the pipeline in the foreground.
An identical earlier run that passed the quality gate is returned from the
cache without calling the model. Ctrl-C cancels between actions; the run is
recorded as failed with category "cancelled".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		req := orchestrator.Request{ProjectID: a.cfg.Project.ID, InputText: input}
		if p, _ := cmd.Flags().GetString("project"); p != "" {
			req.ProjectID = p
		}
		req.NoCache, _ = cmd.Flags().GetBool("no-cache")
		if cmd.Flags().Changed("max-iterations") {
			v, _ := cmd.Flags().GetInt("max-iterations")
			req.Overrides.MaxIterations = &v
		}
		if cmd.Flags().Changed("threshold") {
			v, _ := cmd.Flags().GetFloat64("threshold")
			req.Overrides.QualityThreshold = &v
		}
		if cmd.Flags().Changed("question-rounds") {
			v, _ := cmd.Flags().GetInt("question-rounds")
			req.Overrides.MaxQuestionRounds = &v
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, runErr := a.orch.Run(ctx, req)
		if res == nil {
			return runErr
		}

		if dir, _ := cmd.Flags().GetString("export"); dir != "" {
			if _, err := export.Write(filepath.Join(dir, res.Execution.ID), res.Execution, res.Artifacts); err != nil {
				return err
			}
		}

		if viper.GetBool("json") {
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
		} else {
			printResult(cmd, res)
		}
		var f *execution.Failure
		if errors.As(runErr, &f) {
			return fmt.Errorf("execution %s failed: %w", res.Execution.ID, runErr)
		}
		return runErr
	},
}

func readInput(cmd *cobra.Command, arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) {
	ex := res.Execution
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Execution %s: %s", ex.ID, ex.Status)
	if ex.Outcome != "" {
		fmt.Fprintf(w, " (%s)", ex.Outcome)
	}
	if res.CacheHit {
		fmt.Fprint(w, " [cached]")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Quality score: %s  Iterations: %d\n", formatScore(ex.QualityScore), ex.IterationCount)
	if ex.Failure != nil {
		fmt.Fprintf(w, "Failure: %s\n", ex.Failure)
		return
	}

	final := artifact.SRS
	if ex.Outcome == execution.OutcomeCheckReport {
		final = artifact.CheckReport
	}
	for _, art := range res.Artifacts {
		if art.Type == final {
			fmt.Fprintf(w, "\n%s\n", art.Content)
		}
	}
}

func init() {
	runCmd.Flags().String("project", "", "project id (default project.id from config)")
	runCmd.Flags().Int("max-iterations", 0, "refinement iterations before giving up")
	runCmd.Flags().Float64("threshold", 0, "quality score (0-1) needed to pass")
	runCmd.Flags().Int("question-rounds", 0, "question rounds per elicitation pass")
	runCmd.Flags().Bool("no-cache", false, "skip the cache lookup")
	runCmd.Flags().String("export", "", "also export the artifacts into this directory")
}

