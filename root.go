package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/stagesync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	AdminAddr  string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries the resolved configuration and logger to subcommands.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger
	Out     io.Writer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// Flags local to `run` that feed the override chain.
const (
	flagSourceDir  = "source-dir"
	flagStagingDir = "staging-dir"
	flagTargetDir  = "target-dir"
)

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:   "stagesync",
		Short: "Staged file synchronization daemon",
		Long: `stagesync watches a source tree, stages changed files into a flat staging
directory, and publishes them into a target tree on operator request. A
SQLite ledger records the sync state of every file.

Run the daemon with 'stagesync run'; the other commands talk to it over the
local admin API.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flags.AdminAddr, "admin-addr", "", "admin API address (host:port)")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchStatusCmd())
	cmd.AddCommand(newPendingCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newConfirmDeleteCmd())
	cmd.AddCommand(newReconcileCmd())

	return cmd
}

// loadCLIContext resolves configuration through the override chain and
// builds the logger.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("admin-addr") {
		cli.AdminAddr = &flags.AdminAddr
	}

	cli.SourceDir = changedString(cmd, flagSourceDir)
	cli.StagingDir = changedString(cmd, flagStagingDir)
	cli.TargetDir = changedString(cmd, flagTargetDir)

	cfg, cfgPath, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &CLIContext{
		Flags:   flags,
		Cfg:     cfg,
		CfgPath: cfgPath,
		Logger:  buildLogger(cfg, flags, os.Stderr),
		Out:     cmd.OutOrStdout(),
	}, nil
}

// changedString returns the value of a command-local string flag if the
// user set it, nil otherwise.
func changedString(cmd *cobra.Command, name string) *string {
	f := cmd.Flags().Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}

	v := f.Value.String()

	return &v
}

// buildLogger creates the logger for cfg. The config-file level is the
// baseline; --verbose and --quiet override it. log_format "auto" picks text
// on a terminal and JSON otherwise.
func buildLogger(cfg *config.Config, flags CLIFlags, w io.Writer) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(cfg.Logging.LogFormat, w) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func useJSONLogs(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
