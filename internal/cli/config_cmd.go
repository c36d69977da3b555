package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/reqforge/internal/config"
	"github.com/lucasnoah/reqforge/internal/prompt"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}

		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with every default filled in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "reqforge.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		cfg.Project.ID = "default"
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		cmd.Printf("Wrote %s\n", path)

		if templates, _ := cmd.Flags().GetBool("templates"); templates {
			dir, _ := cmd.Flags().GetString("templates-dir")
			n, err := prompt.InstallBuiltinTemplates(dir)
			if err != nil {
				return err
			}
			cmd.Printf("Installed %d prompt template(s)\n", n)
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().Bool("templates", false, "also install the built-in prompt templates")
	configInitCmd.Flags().String("templates-dir", "", "template directory (default ~/.reqforge/templates)")
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
