package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/lucasnoah/reqforge/internal/config"
	"github.com/lucasnoah/reqforge/internal/db"
	"github.com/lucasnoah/reqforge/internal/llm"
	"github.com/lucasnoah/reqforge/internal/orchestrator"
)

// loadConfig loads the YAML config and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if p := viper.GetString("provider"); p != "" {
		cfg.UseProvider(p)
	}
	if dsn := viper.GetString("db"); dsn != "" {
		cfg.Storage.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			cfg.Storage.Driver = string(db.Postgres)
		} else {
			cfg.Storage.Driver = string(db.SQLite)
		}
	}
	return cfg, nil
}

// openDB opens and migrates the configured database.
func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	d, err := db.OpenDriver(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// app bundles what most commands need.
type app struct {
	cfg  *config.Config
	db   *db.DB
	orch *orchestrator.Orchestrator
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.orch.Shutdown(ctx); err != nil {
		slog.Warn("shutdown did not finish", "error", err)
	}
	a.db.Close()
}

// newApp validates the config, opens storage and builds the orchestrator.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	provider, err := llm.New(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	d, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(d, provider, cfg, orchestrator.Options{Logger: slog.Default()})
	if viper.GetBool("verbose") || isTerminal(cmd.ErrOrStderr()) {
		orch.Engine().SetProgress(cmd.ErrOrStderr())
	}
	return &app{cfg: cfg, db: d, orch: orch}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// newTable returns a table writer for cmd's output. Terminals get box
// drawing; pipes and files get plain ASCII.
func newTable(cmd *cobra.Command) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	if isTerminal(cmd.OutOrStdout()) {
		tw.SetStyle(table.StyleLight)
	} else {
		tw.SetStyle(table.StyleDefault)
	}
	return tw
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *score)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
