package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Database maintenance",
	Long: sym.DB + ` db - database maintenance

Every command migrates the database on open; 'db migrate' does only that
and reports the applied migrations and job counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	versions, err := db.AppliedVersions(svc.db)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s is at schema version %d\n", svc.cfg.Database.Path, len(versions))
	for _, v := range versions {
		pterm.Printf("  %s %s\n", pterm.LightGreen("✓"), v)
	}

	counts, err := svc.jobs.Counts(cmd.Context())
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		pterm.Println()
		for _, status := range async.AllStatuses {
			if n := counts[status]; n > 0 {
				pterm.Printf("  %-10s %d\n", colorStatus(status), n)
			}
		}
	}
	return nil
}
