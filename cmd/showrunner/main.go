package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/showrunner/cmd/showrunner/commands"
	"github.com/teranos/showrunner/logger"
	"github.com/teranos/showrunner/sym"

	// Rule and calendar timezones must resolve on hosts without zoneinfo
	_ "time/tzdata"
)

var rootCmd = &cobra.Command{
	Use:   "showrunner",
	Short: sym.Pulse + " Showrunner - content production scheduler",
	Long: sym.Pulse + ` Showrunner - schedules and runs content production jobs.

Jobs are placed on a calendar that enforces a minimum gap between
releases, a daily maximum and preferred hours. Workers run each job's
pipeline stage by stage, retrying transient failures and checkpointing
every finished stage. Recurring rules expand into jobs on their own.

Available commands:
  job       - Schedule and manage production jobs
  rule      - Manage recurring rules
  calendar  - Inspect slots and suggestions
  daemon    - Run the worker pool and rule ticker
  am        - Show and validate configuration
  db        - Database maintenance

Examples:
  showrunner job schedule --label "EpisodeA" --duration 90
  showrunner calendar suggest --count 5
  showrunner daemon start`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("db", "", "Database path (overrides database.path)")

	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.RuleCmd)
	rootCmd.AddCommand(commands.CalendarCmd)
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
