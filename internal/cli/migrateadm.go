package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/db"
)

var migrateAdmCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run any pending store migrations",
	Long: `Migrate applies pending SQL migrations to the store.

Migrations are embedded in the binary and tracked in the schema_migrations
table. Each migration file (e.g., 000001_baseline.sql) is applied exactly once,
so running the command again is safe.

Without --confirm the pending migrations are listed and nothing is applied.
Use --status to show applied and pending migrations.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: appctx.WithApp(appctx.Options{NeedsDB: true, AllowPending: true}, runMigrateAdm),
}

var (
	migrateConfirm bool
	migrateStatus  bool
)

func init() {
	rootAdmCmd.AddCommand(migrateAdmCmd)

	migrateAdmCmd.Flags().BoolVar(&migrateConfirm, "confirm", false, "Apply pending migrations (default lists them)")
	migrateAdmCmd.Flags().BoolVar(&migrateStatus, "status", false, "Show current migration status")
}

func runMigrateAdm(app *appctx.App, cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if migrateStatus {
		return showMigrationStatus(out, app.DB)
	}
	if !migrateConfirm {
		return showPendingMigrations(out, app.DB)
	}

	applied, err := app.DB.MigrateWithInfo()
	if err != nil {
		return exitError(ExitFailure, fmt.Errorf("failed to run migrations: %w", err))
	}

	if len(applied) == 0 {
		fmt.Fprintln(out, "Store is up to date. No migrations to apply.")
		return nil
	}
	for _, m := range applied {
		fmt.Fprintf(out, "✓ Applied migration: %s\n", m)
	}
	fmt.Fprintf(out, "\nApplied %d migration(s).\n", len(applied))
	return exitError(ExitRepaired, nil)
}

func showMigrationStatus(out io.Writer, database *db.DB) error {
	applied, pending, err := database.MigrationStatus()
	if err != nil {
		return exitError(ExitFailure, fmt.Errorf("failed to get migration status: %w", err))
	}

	if len(applied) == 0 && len(pending) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return nil
	}

	if len(applied) > 0 {
		fmt.Fprintln(out, "Applied migrations:")
		for _, m := range applied {
			fmt.Fprintf(out, "  ✓ %s\n", m)
		}
	}
	if len(pending) > 0 {
		if len(applied) > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, "Pending migrations:")
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
	}
	return nil
}

func showPendingMigrations(out io.Writer, database *db.DB) error {
	_, pending, err := database.MigrationStatus()
	if err != nil {
		return exitError(ExitFailure, fmt.Errorf("failed to get migration status: %w", err))
	}

	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending migrations. Store is up to date.")
		return nil
	}

	fmt.Fprintln(out, "Pending migrations (would be applied with --confirm):")
	for _, m := range pending {
		fmt.Fprintf(out, "  ○ %s\n", m)
	}
	fmt.Fprintf(out, "\nTotal: %d migration(s) would be applied.\n", len(pending))
	return nil
}
