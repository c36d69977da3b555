package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/reqforge/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
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
		fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s).\n", d.Dialect())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if force, _ := cmd.Flags().GetBool("force"); !force {
			return fmt.Errorf("db reset drops every execution and artifact; rerun with --force")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := db.OpenDriver(cmd.Context(), cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
		return nil
	},
}

var dbPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the database location",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.Storage.Driver, cfg.Storage.DSN)
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("force", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbPathCmd)
}
