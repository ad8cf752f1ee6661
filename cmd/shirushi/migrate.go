package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/shirushi/internal/storage"
	"github.com/ashita-ai/shirushi/migrations"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply every pending migration to the configured SQLite database.
Each migration runs in its own transaction; a failure leaves earlier
migrations applied.`,
	Example: `  # Apply migrations
  shirushi migrate

  # List migrations without applying
  shirushi migrate --status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := storage.New(ctx, cfg.DatabasePath, logger)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if !migrateStatus {
			if err := db.RunMigrations(ctx, migrations.FS); err != nil {
				return err
			}
		}
		states, err := db.MigrationStatus(ctx)
		if err != nil {
			return err
		}
		return printMigrationStatus(cmd.OutOrStdout(), states)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list migrations without applying them")
}

func printMigrationStatus(w io.Writer, states []storage.MigrationState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
	for _, s := range states {
		applied := "pending"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
	}
	return tw.Flush()
}
