// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger and tracer setup, database opening
// and service construction to reduce boilerplate across commands.
package appctx

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/boq/internal/config"
	"github.com/lherron/boq/internal/db"
	"github.com/lherron/boq/internal/logging"
	"github.com/lherron/boq/internal/service"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/tracing"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration, with flag overrides applied
	Config *config.Config

	Logger *zap.Logger

	// DB is the opened database connection (nil if NeedsDB is false)
	DB *db.DB

	// Store and Service are built over DB
	Store   *store.Store
	Service *service.Service

	shutdownTracing func(context.Context) error
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
	}
	if a.shutdownTracing != nil {
		_ = a.shutdownTracing(context.Background())
		a.shutdownTracing = nil
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to open the database and build the service.
	NeedsDB bool

	// SkipMigrationCheck opens the database even when migrations are pending.
	SkipMigrationCheck bool
}

// DefaultOptions returns default options (DB and service required).
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The database is closed and spans are flushed when the wrapped function
// returns.
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger}

	if cfg.TraceStdout {
		shutdown, err := tracing.InstallStdout(os.Stderr)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.shutdownTracing = shutdown
	}

	if !opts.NeedsDB {
		return app, nil
	}

	database, err := db.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	app.DB = database

	if !opts.SkipMigrationCheck {
		if err := database.RequiresMigrationError(); err != nil {
			app.Close()
			return nil, err
		}
	}

	if err := app.buildService(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// ForDB builds an App over an already opened database. Used by tests.
func ForDB(cfg *config.Config, database *db.DB, logger *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logging.OrNop(logger), DB: database}
	if err := app.buildService(); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) buildService() error {
	a.Store = store.New(a.DB, a.Config.Actor)
	svc, err := service.New(a.Store, service.Options{
		TreeStrategy: a.Config.TreeStrategy,
		Logger:       a.Logger,
	})
	if err != nil {
		return err
	}
	a.Service = svc
	return nil
}

// applyFlags overrides config values with the persistent flags that were set.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	overrides := []struct {
		flag string
		dst  *string
	}{
		{"db", &cfg.DBPath},
		{"driver", &cfg.DBDriver},
		{"output", &cfg.Output},
		{"log-level", &cfg.LogLevel},
		{"as", &cfg.Actor},
		{"tree-strategy", &cfg.TreeStrategy},
	}
	for _, o := range overrides {
		if f := cmd.Flag(o.flag); f != nil && f.Changed {
			*o.dst = f.Value.String()
		}
	}
	if f := cmd.Flag("trace"); f != nil && f.Changed {
		cfg.TraceStdout = f.Value.String() == "true"
	}
}
