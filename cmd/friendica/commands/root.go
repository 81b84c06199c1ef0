// Package commands implements the console commands.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/friendica/friendica-go/internal/config"
	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dbstructure"
	"github.com/friendica/friendica-go/internal/logger"
	"github.com/friendica/friendica-go/internal/profiler"
	"github.com/friendica/friendica-go/internal/settings"
	"github.com/friendica/friendica-go/internal/ui"
)

// Version information (set at build time).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// globals are the flags shared by all commands.
type globals struct {
	configFile string
	logLevel   string
}

// NewRootCommand creates the friendica command with all subcommands.
func NewRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "friendica",
		Short:         "Friendica console",
		Long:          "Maintenance commands for the database of a Friendica node",
		Version:       fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Out = cmd.OutOrStdout()
			ui.Err = cmd.ErrOrStderr()
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Configuration file (default: search friendica.yaml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(NewDBStructureCommand(g))
	cmd.AddCommand(NewAuthEjabberdCommand(g))
	cmd.AddCommand(NewKeysCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "friendica-go version %s\n", Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// app is the loaded environment of a command.
type app struct {
	cfg      *config.Config
	def      *dbstructure.Definition
	db       *database.Database
	profiler *profiler.Profiler
	logFile  io.Closer
}

// load reads the configuration, sets up the logger and loads the definition.
func (g *globals) load() (*app, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, profiler: profiler.New(cfg.System.Profiler)}

	opts := logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}
	if g.logLevel != "" {
		opts.Level = g.logLevel
	}
	if cfg.Log.File != "" {
		f, err := config.AppFs.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		opts.Output = f
		a.logFile = f
	}
	logger.Init(opts)

	a.def, err = dbstructure.Load(config.AppFs, cfg.System.DBStructureFile)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// connect loads the environment and opens the database.
func (g *globals) connect(ctx context.Context) (*app, error) {
	a, err := g.load()
	if err != nil {
		return nil, err
	}

	a.db, err = database.Open(ctx, a.cfg.Database,
		database.WithDefinition(a.def),
		database.WithProfiler(a.profiler),
		database.WithLogSettings(database.LogSettingsFrom(a.cfg.System)),
		database.WithTestMode(a.cfg.System.TestMode),
		database.WithFs(config.AppFs),
		database.WithLogger(logger.Logger()),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return a, nil
}

func (a *app) structure(out io.Writer) *dbstructure.Structure {
	return dbstructure.New(a.db, a.def, settings.NewConfig(a.db, logger.Logger()),
		dbstructure.WithOutput(out),
		dbstructure.WithLogger(logger.Logger()),
	)
}

func (a *app) close() {
	if a.profiler.Enabled() {
		logger.Info("profiler", "summary", a.profiler.Summary())
	}
	if a.db != nil {
		if err := a.db.Disconnect(); err != nil {
			logger.Warn("failed to close the database", "error", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
