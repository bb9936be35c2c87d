package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/showrunner/am"
	"github.com/teranos/showrunner/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.Prefixed("am"),
	Long: sym.AM + ` am - showrunner configuration

Configuration sources (in order of precedence):
1. Environment variables (SHOWRUNNER_* prefix, e.g. SHOWRUNNER_PULSE_WORKERS)
2. Project config (nearest am.toml walking up from the working directory)
3. User config (~/.showrunner/am.toml)
4. System config (/etc/showrunner/am.toml)
5. Default values

calendar.preferred_hours has no default and must be configured.

Examples:
  showrunner am show                    # Show current configuration
  showrunner am show --format json      # Show configuration in JSON format
  showrunner am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration merged from all sources",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter am.toml",
	Long: `Write the effective configuration, with the given preferred hours, to a
TOML file. An existing file is rotated to .back1 first.

Example:
  showrunner am init --preferred-hours 9,13,17 --timezone Europe/Amsterdam`,
	RunE: runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	amInitCmd.Flags().IntSlice("preferred-hours", nil, "Hours of day jobs may be placed at (required)")
	amInitCmd.Flags().String("timezone", "", "Calendar timezone (default calendar.timezone)")
	amInitCmd.Flags().String("path", "am.toml", "File to write")
	_ = amInitCmd.MarkFlagRequired("preferred-hours")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# showrunner configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# showrunner configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	pterm.Success.Println("Configuration is valid")
	if paths := am.ConfigPaths(); len(paths) > 0 {
		for _, p := range paths {
			pterm.Printf("  %s %s\n", pterm.Gray("loaded"), p)
		}
	} else {
		pterm.Info.Println("No am.toml found, using defaults and environment")
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	hours, _ := cmd.Flags().GetIntSlice("preferred-hours")
	timezone, _ := cmd.Flags().GetString("timezone")
	path, _ := cmd.Flags().GetString("path")

	cfg.Calendar.PreferredHours = hours
	if timezone != "" {
		cfg.Calendar.Timezone = timezone
	}
	if err := am.WriteFile(path, cfg); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote %s\n", path)
	return nil
}
