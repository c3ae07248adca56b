// Package config loads, resolves, and validates the stagesync TOML
// configuration: defaults, then the config file, then environment
// variables, then CLI flags.
package config

import (
	"path/filepath"
	"time"
)

// Config is the top-level configuration, one struct per TOML table.
type Config struct {
	Paths     PathsConfig     `toml:"paths"`
	Watcher   WatcherConfig   `toml:"watcher"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Worker    WorkerConfig    `toml:"worker"`
	Logging   LoggingConfig   `toml:"logging"`
	Admin     AdminConfig     `toml:"admin"`
}

// PathsConfig holds the three synchronized trees and the ledger location.
type PathsConfig struct {
	SourceDir  string `toml:"source_dir"`
	StagingDir string `toml:"staging_dir"`
	TargetDir  string `toml:"target_dir"`
	StateDir   string `toml:"state_dir"` // empty: platform data dir
}

// WatcherConfig controls the live directory watcher.
type WatcherConfig struct {
	Enabled bool `toml:"enabled"`
}

// ReconcileConfig controls the scheduled full-tree reconciliation.
type ReconcileConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// WorkerConfig controls the manual publish worker.
type WorkerConfig struct {
	BatchSize   int    `toml:"batch_size"`
	StripSuffix string `toml:"strip_suffix"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// AdminConfig controls the local admin HTTP API.
type AdminConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	StatusInterval  string `toml:"status_interval"`
}

// CLIOverrides holds values from CLI flags. Pointer fields: nil means the
// flag was not specified.
type CLIOverrides struct {
	ConfigPath string
	SourceDir  *string
	StagingDir *string
	TargetDir  *string
	AdminAddr  *string
}

// DBPath returns the ledger database path.
func (c *Config) DBPath() string {
	dir := c.Paths.StateDir
	if dir == "" {
		dir = DefaultDataDir()
	}

	return filepath.Join(dir, dbFileName)
}

// ShutdownTimeout returns the parsed shutdown bound. Validate guarantees
// the string parses.
func (c *Config) ShutdownTimeout() time.Duration {
	return mustDuration(c.Admin.ShutdownTimeout, defaultShutdownTimeout)
}

// StatusInterval returns the parsed websocket status push period.
func (c *Config) StatusInterval() time.Duration {
	return mustDuration(c.Admin.StatusInterval, defaultStatusInterval)
}

func mustDuration(s, fallback string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}
