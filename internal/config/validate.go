package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validation range constants.
const (
	minBatchSize       = 1
	maxBatchSize       = 1000
	minShutdownTimeout = 1 * time.Second
	minStatusInterval  = 100 * time.Millisecond
	dirPerms           = 0o755
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass. Paths are checked separately
// by ValidateResolved because env and CLI layers may still supply them.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateReconcile(&cfg.Reconcile)...)
	errs = append(errs, validateWorker(&cfg.Worker)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateAdmin(&cfg.Admin)...)

	return errors.Join(errs...)
}

// ValidateResolved checks the fully resolved directory layout: all three
// trees set, absolute, and disjoint.
func ValidateResolved(cfg *Config) error {
	var errs []error

	dirs := []struct{ key, path string }{
		{"source_dir", cfg.Paths.SourceDir},
		{"staging_dir", cfg.Paths.StagingDir},
		{"target_dir", cfg.Paths.TargetDir},
	}

	for _, d := range dirs {
		switch {
		case d.path == "":
			errs = append(errs, fmt.Errorf("%s: must be set", d.key))
		case !filepath.IsAbs(d.path):
			errs = append(errs, fmt.Errorf("%s: must be absolute after expansion, got %q", d.key, d.path))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for i := range dirs {
		for j := i + 1; j < len(dirs); j++ {
			if overlaps(dirs[i].path, dirs[j].path) {
				errs = append(errs, fmt.Errorf("%s and %s must not overlap: %q, %q",
					dirs[i].key, dirs[j].key, dirs[i].path, dirs[j].path))
			}
		}
	}

	if cfg.Paths.StateDir != "" && !filepath.IsAbs(cfg.Paths.StateDir) {
		errs = append(errs, fmt.Errorf("state_dir: must be absolute after expansion, got %q", cfg.Paths.StateDir))
	}

	return errors.Join(errs...)
}

// PrepareDirs checks that the source tree exists and is a readable
// directory, and creates the staging, target, and state directories,
// verifying that each is writable.
func PrepareDirs(cfg *Config) error {
	var errs []error

	if err := checkReadableDir(cfg.Paths.SourceDir); err != nil {
		errs = append(errs, fmt.Errorf("source_dir: %w", err))
	}

	writable := []struct{ key, path string }{
		{"staging_dir", cfg.Paths.StagingDir},
		{"target_dir", cfg.Paths.TargetDir},
		{"state_dir", filepath.Dir(cfg.DBPath())},
	}

	for _, d := range writable {
		if err := ensureWritableDir(d.path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
		}
	}

	return errors.Join(errs...)
}

func validateReconcile(r *ReconcileConfig) []error {
	if !r.Enabled {
		return nil
	}

	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		return []error{fmt.Errorf("schedule: invalid cron expression %q: %w", r.Schedule, err)}
	}

	return nil
}

func validateWorker(w *WorkerConfig) []error {
	var errs []error

	if w.BatchSize < minBatchSize || w.BatchSize > maxBatchSize {
		errs = append(errs, fmt.Errorf("batch_size: must be between %d and %d, got %d",
			minBatchSize, maxBatchSize, w.BatchSize))
	}

	if strings.ContainsAny(w.StripSuffix, `/\`) {
		errs = append(errs, fmt.Errorf("strip_suffix: must not contain path separators, got %q", w.StripSuffix))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateAdmin(a *AdminConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(a.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}

	errs = append(errs, validateDurationMin("shutdown_timeout", a.ShutdownTimeout, minShutdownTimeout)...)
	errs = append(errs, validateDurationMin("status_interval", a.StatusInterval, minStatusInterval)...)

	return errs
}

func validateDurationMin(key, s string, minimum time.Duration) []error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", key, s, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", key, minimum, s)}
	}

	return nil
}

// overlaps reports whether a and b are the same directory or one contains
// the other.
func overlaps(a, b string) bool {
	return a == b || isWithin(a, b) || isWithin(b, a)
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkReadableDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	return f.Close()
}

func ensureWritableDir(path string) error {
	if err := os.MkdirAll(path, dirPerms); err != nil {
		return err
	}

	check, err := os.CreateTemp(path, ".stagesync-check-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", path, err)
	}

	name := check.Name()
	check.Close()

	return os.Remove(name)
}
