package cli

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "reqforge",
	Short: "reqforge: a multi-role requirements engineering pipeline",
	Long: `reqforge turns a natural-language description of software into a
Software Requirements Specification. Five roles (stakeholder, collector,
modeler, checker, documenter) work through elicitation, modeling,
verification and specification, refining until the checker's quality score
meets the threshold or the iteration budget runs out.

State is stored in ~/.reqforge/ (SQLite by default, PostgreSQL optional).
Settings come from reqforge.yaml and REQFORGE_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(cmd)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	viper.SetEnvPrefix("REQFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupLogger(cmd *cobra.Command) {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	if viper.GetBool("log-json") {
		h = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	}
	slog.SetDefault(slog.New(h))
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "path to reqforge.yaml (default ./reqforge.yaml, then ~/.reqforge/config.yaml)")
	pf.String("db", "", "database path or postgres:// DSN (overrides storage.dsn)")
	pf.String("provider", "", "language-model provider: openai, anthropic, ollama or stub")
	pf.Bool("json", false, "output JSON")
	pf.BoolP("verbose", "v", false, "debug logging and progress output")
	pf.Bool("log-json", false, "log as JSON")
	for _, name := range []string{"config", "db", "provider", "json", "verbose", "log-json"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
