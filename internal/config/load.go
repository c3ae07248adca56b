package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags. It returns
// the validated Config and the config path that was consulted. Directory
// layout is not checked here because client commands only need the admin
// address; the daemon calls ValidateResolved and PrepareDirs.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	applyEnv(cfg, env)
	applyCLI(cfg, cli)

	cfg.Paths.SourceDir = expandPath(cfg.Paths.SourceDir)
	cfg.Paths.StagingDir = expandPath(cfg.Paths.StagingDir)
	cfg.Paths.TargetDir = expandPath(cfg.Paths.TargetDir)
	cfg.Paths.StateDir = expandPath(cfg.Paths.StateDir)

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, cfgPath, nil
}

func applyEnv(cfg *Config, env EnvOverrides) {
	setIfNotEmpty(&cfg.Paths.SourceDir, env.SourceDir)
	setIfNotEmpty(&cfg.Paths.StagingDir, env.StagingDir)
	setIfNotEmpty(&cfg.Paths.TargetDir, env.TargetDir)
	setIfNotEmpty(&cfg.Admin.ListenAddr, env.AdminAddr)
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	setIfNotNil(&cfg.Paths.SourceDir, cli.SourceDir)
	setIfNotNil(&cfg.Paths.StagingDir, cli.StagingDir)
	setIfNotNil(&cfg.Paths.TargetDir, cli.TargetDir)
	setIfNotNil(&cfg.Admin.ListenAddr, cli.AdminAddr)
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setIfNotNil(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// expandPath expands a leading "~/" and cleans the result. Empty stays
// empty so that required-field validation can report it.
func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return filepath.Clean(path)
}
