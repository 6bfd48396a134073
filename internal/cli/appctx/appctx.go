// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger construction, store opening and the
// wiring of the planner, executor and adapters built on top of the store.
package appctx

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/config"
	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/executor"
	"github.com/clinicops/recon/internal/journal"
	"github.com/clinicops/recon/internal/lock"
	"github.com/clinicops/recon/internal/logging"
	"github.com/clinicops/recon/internal/plan"
	"github.com/clinicops/recon/internal/platform"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/source"
	"github.com/clinicops/recon/internal/store"
	"github.com/clinicops/recon/internal/verify"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// Logger writes structured logs to stderr
	Logger *zap.Logger

	// DB is the opened store connection (nil if NeedsDB is false)
	DB *db.DB

	// Store wraps DB with paging and guarded writes
	Store *store.Store

	// Journal records operation state and the audit trail
	Journal *journal.Writer
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to open the store.
	NeedsDB bool

	// AllowPending skips the pending-migration check (used by migrate).
	AllowPending bool
}

// DefaultOptions returns default options (store required, fully migrated).
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The store is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	app := &App{Config: cfg, Logger: logger}

	if !opts.NeedsDB {
		return app, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if !opts.AllowPending {
		if err := database.RequiresMigrationError(); err != nil {
			database.Close()
			return nil, err
		}
	}

	app.attach(database)
	return app, nil
}

// New builds an App around an already opened store. Tests use it to skip
// config loading.
func New(cfg *config.Config, database *db.DB, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger}
	app.attach(database)
	return app
}

func (a *App) attach(database *db.DB) {
	a.DB = database
	a.Store = store.New(database, store.Options{
		PageSize:  a.Config.PageSize,
		BatchSize: a.Config.BatchSize,
	}, a.Logger.Named("store"))
	a.Journal = journal.NewWriter(database)
}

// applyFlags lets persistent flags override the loaded config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	str := func(name string, dst *string) {
		if f := cmd.Flag(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("db", &cfg.StoreDSN)
	str("driver", &cfg.StoreDriver)
	str("output", &cfg.Output)
	str("log-level", &cfg.LogLevel)
	str("overrides", &cfg.OverridesPath)
}

// Renderer returns a renderer over w in the configured output format.
func (a *App) Renderer(w io.Writer) (*render.Renderer, error) {
	format, err := render.ParseFormat(a.Config.Output)
	if err != nil {
		return nil, err
	}
	return render.NewRenderer(w, render.Options{Format: format}), nil
}

// Source returns a client for the spreadsheet endpoint.
func (a *App) Source() (*source.Client, error) {
	if err := a.Config.RequireSource(); err != nil {
		return nil, err
	}
	return source.New(a.Config.SourceURL, a.Config.SourceToken, a.Logger.Named("source")), nil
}

// Planner loads the override list and returns a planner over the store.
func (a *App) Planner() (*plan.Planner, error) {
	overrides, err := plan.LoadOverrides(a.Config.OverridesPath)
	if err != nil {
		return nil, err
	}
	return plan.New(a.Store, overrides, plan.Options{SplitWindow: a.Config.SplitWindow}, a.Logger.Named("plan")), nil
}

// Verifier returns a verifier over the store.
func (a *App) Verifier() *verify.Verifier {
	return verify.New(a.Store, a.Logger.Named("verify"))
}

// Executor returns an executor that locks through redis when configured.
func (a *App) Executor() *executor.Executor {
	locker := lock.New(a.Config.RedisAddr, a.Config.LockTTL)
	return executor.New(a.Store, a.Journal, a.Verifier(), locker, a.Logger.Named("executor"))
}

// Platform returns a profile lookup client, or nil when no channel token is
// configured.
func (a *App) Platform() *platform.Client {
	if a.Config.PlatformToken == "" {
		return nil
	}
	return platform.New(a.Config.PlatformURL, a.Config.PlatformToken, a.Config.LookupConcurrency, a.Logger.Named("platform"))
}
