package config

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultReconcileSchedule = "@every 10m"
	defaultBatchSize         = 10
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultListenAddr        = "127.0.0.1:7787"
	defaultShutdownTimeout   = "30s"
	defaultStatusInterval    = "2s"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Watcher:   WatcherConfig{Enabled: true},
		Reconcile: defaultReconcileConfig(),
		Worker:    WorkerConfig{BatchSize: defaultBatchSize},
		Logging:   defaultLoggingConfig(),
		Admin:     defaultAdminConfig(),
	}
}

func defaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Enabled:  true,
		Schedule: defaultReconcileSchedule,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultAdminConfig() AdminConfig {
	return AdminConfig{
		ListenAddr:      defaultListenAddr,
		ShutdownTimeout: defaultShutdownTimeout,
		StatusInterval:  defaultStatusInterval,
	}
}
