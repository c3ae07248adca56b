package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_DisabledReconcileSkipsSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconcile.Enabled = false
	cfg.Reconcile.Schedule = "not a schedule"

	assert.NoError(t, Validate(cfg))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad schedule", func(c *Config) { c.Reconcile.Schedule = "61 * * * *" }, "schedule"},
		{"batch too large", func(c *Config) { c.Worker.BatchSize = 5000 }, "batch_size"},
		{"suffix with slash", func(c *Config) { c.Worker.StripSuffix = "/x" }, "strip_suffix"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "log_format"},
		{"listen addr", func(c *Config) { c.Admin.ListenAddr = "localhost" }, "listen_addr"},
		{"shutdown timeout", func(c *Config) { c.Admin.ShutdownTimeout = "soon" }, "shutdown_timeout"},
		{"status interval", func(c *Config) { c.Admin.StatusInterval = "1ms" }, "status_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func resolvedConfig(root string) *Config {
	cfg := DefaultConfig()
	cfg.Paths = PathsConfig{
		SourceDir:  filepath.Join(root, "src"),
		StagingDir: filepath.Join(root, "stage"),
		TargetDir:  filepath.Join(root, "out"),
		StateDir:   filepath.Join(root, "state"),
	}

	return cfg
}

func TestValidateResolved_Overlap(t *testing.T) {
	cfg := resolvedConfig("/vault")
	require.NoError(t, ValidateResolved(cfg))

	cfg.Paths.TargetDir = "/vault/src/published"
	err := ValidateResolved(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_dir and target_dir must not overlap")

	cfg = resolvedConfig("/vault")
	cfg.Paths.StagingDir = cfg.Paths.TargetDir
	require.Error(t, ValidateResolved(cfg))

	// Sibling with a shared name prefix is not nested.
	cfg = resolvedConfig("/vault")
	cfg.Paths.TargetDir = "/vault/src-published"
	assert.NoError(t, ValidateResolved(cfg))
}

func TestValidateResolved_RelativePath(t *testing.T) {
	cfg := resolvedConfig("/vault")
	cfg.Paths.StagingDir = "relative/stage"

	err := ValidateResolved(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staging_dir: must be absolute")
}

func TestPrepareDirs_CreatesWritableDirs(t *testing.T) {
	root := t.TempDir()
	cfg := resolvedConfig(root)
	require.NoError(t, os.MkdirAll(cfg.Paths.SourceDir, 0o755))

	require.NoError(t, PrepareDirs(cfg))

	assert.DirExists(t, cfg.Paths.StagingDir)
	assert.DirExists(t, cfg.Paths.TargetDir)
	assert.DirExists(t, cfg.Paths.StateDir)

	entries, err := os.ReadDir(cfg.Paths.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "write check file cleaned up")
}

func TestPrepareDirs_MissingSource(t *testing.T) {
	cfg := resolvedConfig(t.TempDir())

	err := PrepareDirs(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_dir")
}

func TestPrepareDirs_SourceIsFile(t *testing.T) {
	root := t.TempDir()
	cfg := resolvedConfig(root)
	require.NoError(t, os.WriteFile(cfg.Paths.SourceDir, []byte("x"), 0o644))

	err := PrepareDirs(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestPrepareDirs_UnwritableTarget(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}

	root := t.TempDir()
	cfg := resolvedConfig(root)
	require.NoError(t, os.MkdirAll(cfg.Paths.SourceDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.TargetDir, 0o555))

	err := PrepareDirs(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_dir")
}
