package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "STAGESYNC_CONFIG"
	EnvSourceDir  = "STAGESYNC_SOURCE_DIR"
	EnvStagingDir = "STAGESYNC_STAGING_DIR"
	EnvTargetDir  = "STAGESYNC_TARGET_DIR"
	EnvAdminAddr  = "STAGESYNC_ADMIN_ADDR"
)

// EnvOverrides holds values derived from environment variables. Empty
// means unset.
type EnvOverrides struct {
	ConfigPath string
	SourceDir  string
	StagingDir string
	TargetDir  string
	AdminAddr  string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies them.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		SourceDir:  os.Getenv(EnvSourceDir),
		StagingDir: os.Getenv(EnvStagingDir),
		TargetDir:  os.Getenv(EnvTargetDir),
		AdminAddr:  os.Getenv(EnvAdminAddr),
	}
}
