package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/report"
	"github.com/clinicops/recon/internal/store"
)

var errNoPlatformToken = errors.New("no platform token configured (set RECON_PLATFORM_TOKEN)")

// Process exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitRepaired  = 3
	ExitEscalated = 4
)

// ExitError carries the exit code a command wants. Err may be nil when the
// code is a status, not a failure (ExitRepaired).
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if domain.IsConflict(err) {
		return ExitEscalated
	}
	if strings.HasPrefix(err.Error(), "unknown command") || strings.HasPrefix(err.Error(), "unknown flag") {
		return ExitUsage
	}
	return ExitFailure
}

// Report prints err (unless it only carries a status) and returns the exit
// code for it.
func Report(err error, stderr io.Writer) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return ExitCode(err)
}

// usageArgs wraps a cobra positional-args validator so its failures exit
// with ExitUsage.
func usageArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return exitError(ExitUsage, err)
		}
		return nil
	}
}

func usageFlagError(cmd *cobra.Command, err error) error {
	return exitError(ExitUsage, err)
}

// outcome turns a finished summary into the command's exit status: any
// failed item wins, then any escalation, then a confirmed repair.
func outcome(s *report.Summary) error {
	switch {
	case s.Counts.Errored > 0:
		return exitError(ExitFailure, fmt.Errorf("%d item(s) failed; see log for details", s.Counts.Errored))
	case s.Counts.Escalated > 0:
		return exitError(ExitEscalated, fmt.Errorf("%d item(s) escalated to manual review", s.Counts.Escalated))
	case s.Repaired:
		return exitError(ExitRepaired, nil)
	}
	return nil
}

// trackedTables are the tables counted before and after a mutating command.
func trackedTables() []string {
	return append([]string{store.PatientsTable.Name}, store.DependentTableNames()...)
}

func tableCounts(ctx context.Context, app *appctx.App) (map[string]int, error) {
	return app.Store.TableCounts(ctx, trackedTables())
}

// emitSummary writes the summary in the configured format, plus an xlsx
// workbook when xlsxPath is set.
func emitSummary(app *appctx.App, cmd *cobra.Command, s *report.Summary, xlsxPath string) error {
	out := cmd.OutOrStdout()
	r, err := app.Renderer(out)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	if r.Format() == render.FormatTable {
		if err := r.RenderTable(s.Headers(), s.Rows()); err != nil {
			return err
		}
		if len(s.Items) > 0 {
			fmt.Fprintln(out)
		}
		s.Print(out)
	} else if err := r.Render(s); err != nil {
		return err
	}
	if xlsxPath != "" {
		if err := s.WriteXLSX(xlsxPath); err != nil {
			return err
		}
		app.Logger.Info("wrote workbook", zap.String("path", xlsxPath))
	}
	return nil
}

// parsePairs parses repeated KEY=VALUE flag values.
func parsePairs(values []string) (map[string]string, error) {
	out := map[string]string{}
	for _, v := range values {
		k, val, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(val) == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", v)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out, nil
}
