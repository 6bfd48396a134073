package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/journal"
	"github.com/clinicops/recon/internal/lock"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/source"
	"github.com/clinicops/recon/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, store health and unfinished runs",
	Long: `Doctor checks the configuration, the store schema and migrations,
dependent rows whose patient no longer exists, merge and split runs that
stopped before verification, and the lock server when one is configured.
With --source it also fetches reservations from the spreadsheet source.

Doctor exits 1 when any check reports an error.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: appctx.WithApp(appctx.Options{NeedsDB: true, AllowPending: true}, runDoctor),
}

var doctorSource bool

const (
	checkOK      = "ok"
	checkWarning = "warning"
	checkError   = "error"
)

type checkResult struct {
	Name    string   `json:"name" yaml:"name"`
	Status  string   `json:"status" yaml:"status"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
	Details []string `json:"details,omitempty" yaml:"details,omitempty"`
}

type doctorReport struct {
	Version       string        `json:"version" yaml:"version"`
	Store         string        `json:"store" yaml:"store"`
	Checks        []checkResult `json:"checks" yaml:"checks"`
	Warnings      int           `json:"warnings" yaml:"warnings"`
	Errors        int           `json:"errors" yaml:"errors"`
	OverallStatus string        `json:"overall_status" yaml:"overall_status"`
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorSource, "source", false, "Also check the spreadsheet source")
}

func runDoctor(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	report := &doctorReport{
		Version:       Version,
		Store:         app.Config.StoreDriver + " " + app.DB.Path(),
		OverallStatus: checkOK,
	}

	report.Checks = append(report.Checks, checkMigrations(app)...)
	report.Checks = append(report.Checks, checkSchema(app)...)
	if report.Checks[len(report.Checks)-1].Status == checkOK {
		report.Checks = append(report.Checks, checkOrphans(ctx, app))
		report.Checks = append(report.Checks, checkJournal(ctx, app))
	}
	report.Checks = append(report.Checks, checkLock(ctx, app))
	if doctorSource {
		report.Checks = append(report.Checks, checkSource(ctx, app))
	}

	for _, check := range report.Checks {
		switch check.Status {
		case checkWarning:
			report.Warnings++
		case checkError:
			report.Errors++
			report.OverallStatus = checkError
		}
	}
	if report.Warnings > 0 && report.OverallStatus == checkOK {
		report.OverallStatus = checkWarning
	}

	r, err := app.Renderer(cmd.OutOrStdout())
	if err != nil {
		return exitError(ExitUsage, err)
	}
	if r.Format() == render.FormatTable {
		printHumanReport(cmd.OutOrStdout(), report)
	} else if err := r.Render(report); err != nil {
		return err
	}

	if report.Errors > 0 {
		return exitError(ExitFailure, nil)
	}
	return nil
}

func checkMigrations(app *appctx.App) []checkResult {
	applied, pending, err := app.DB.MigrationStatus()
	if err != nil {
		return []checkResult{{Name: "migrations", Status: checkError, Message: err.Error()}}
	}
	if len(pending) > 0 {
		return []checkResult{{
			Name:    "migrations",
			Status:  checkError,
			Message: fmt.Sprintf("%d pending migration(s); run 'reconadm migrate --confirm'", len(pending)),
			Details: pending,
		}}
	}
	return []checkResult{{Name: "migrations", Status: checkOK, Message: fmt.Sprintf("%d migration(s) applied", len(applied))}}
}

func checkSchema(app *appctx.App) []checkResult {
	var missing []string
	for _, t := range append(trackedTables(), "recon_journal", "recon_events", "recon_merged") {
		exists, err := app.DB.TableExists(t)
		if err != nil {
			return []checkResult{{Name: "schema_tables", Status: checkError, Message: err.Error()}}
		}
		if !exists {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return []checkResult{{Name: "schema_tables", Status: checkError, Message: "missing tables", Details: missing}}
	}
	return []checkResult{{Name: "schema_tables", Status: checkOK, Message: "all tables present"}}
}

func checkOrphans(ctx context.Context, app *appctx.App) checkResult {
	var details []string
	total := 0
	for _, t := range store.DependentTables {
		orphans, err := app.Store.Orphans(ctx, t.Name)
		if err != nil {
			return checkResult{Name: "orphaned_rows", Status: checkError, Message: err.Error()}
		}
		ids := make([]string, 0, len(orphans))
		n := 0
		for pid, c := range orphans {
			ids = append(ids, pid)
			n += c
		}
		if n == 0 {
			continue
		}
		sort.Strings(ids)
		total += n
		details = append(details, fmt.Sprintf("%s: %d row(s) at %s", t.Name, n, strings.Join(ids, ",")))
	}
	if total > 0 {
		return checkResult{Name: "orphaned_rows", Status: checkWarning, Message: fmt.Sprintf("%d row(s) reference a missing patient", total), Details: details}
	}
	return checkResult{Name: "orphaned_rows", Status: checkOK, Message: "every dependent row has a patient"}
}

func checkJournal(ctx context.Context, app *appctx.App) checkResult {
	entries, err := app.Journal.List(ctx, "")
	if err != nil {
		return checkResult{Name: "unfinished_runs", Status: checkError, Message: err.Error()}
	}
	var details []string
	for _, e := range entries {
		if e.Kind == journal.KindSync || e.State == domain.StateVerified {
			continue
		}
		details = append(details, fmt.Sprintf("%s stopped at %s (run %s)", e.OpKey, e.State, e.RunID))
	}
	if len(details) > 0 {
		return checkResult{Name: "unfinished_runs", Status: checkWarning, Message: fmt.Sprintf("%d run(s) not verified; re-run them to resume", len(details)), Details: details}
	}
	return checkResult{Name: "unfinished_runs", Status: checkOK, Message: fmt.Sprintf("%d run(s) journaled, all verified", len(entries))}
}

func checkLock(ctx context.Context, app *appctx.App) checkResult {
	if app.Config.RedisAddr == "" {
		return checkResult{Name: "lock_server", Status: checkWarning, Message: "no lock server configured; concurrent runs are not excluded"}
	}
	l := lock.New(app.Config.RedisAddr, app.Config.LockTTL)
	token, err := l.Acquire(ctx, "doctor")
	if err != nil {
		return checkResult{Name: "lock_server", Status: checkError, Message: err.Error()}
	}
	if err := l.Release(ctx, "doctor", token); err != nil {
		return checkResult{Name: "lock_server", Status: checkError, Message: err.Error()}
	}
	return checkResult{Name: "lock_server", Status: checkOK, Message: "lock server at " + app.Config.RedisAddr}
}

func checkSource(ctx context.Context, app *appctx.App) checkResult {
	src, err := app.Source()
	if err != nil {
		return checkResult{Name: "source", Status: checkError, Message: err.Error()}
	}
	_, stats, err := src.Fetch(ctx, source.OpReservations, nil)
	if err != nil {
		return checkResult{Name: "source", Status: checkError, Message: err.Error()}
	}
	status := checkOK
	if stats.Skipped > 0 {
		status = checkWarning
	}
	return checkResult{Name: "source", Status: status, Message: fmt.Sprintf("%d reservation row(s), %d skipped", stats.Rows, stats.Skipped)}
}

func printHumanReport(out io.Writer, report *doctorReport) {
	fmt.Fprintf(out, "recon doctor %s\n\n", report.Version)
	fmt.Fprintf(out, "Store: %s\n\n", report.Store)

	for _, check := range report.Checks {
		icon := "✓"
		switch check.Status {
		case checkWarning:
			icon = "⚠"
		case checkError:
			icon = "✗"
		}
		fmt.Fprintf(out, "  %s %-16s %s\n", icon, check.Name, check.Message)
		for _, d := range check.Details {
			fmt.Fprintf(out, "      %s\n", d)
		}
	}

	fmt.Fprintln(out)
	switch report.OverallStatus {
	case checkOK:
		fmt.Fprintln(out, "Overall: healthy")
	case checkWarning:
		fmt.Fprintf(out, "Overall: %d warning(s)\n", report.Warnings)
	default:
		fmt.Fprintf(out, "Overall: %d error(s), %d warning(s)\n", report.Errors, report.Warnings)
	}
}
