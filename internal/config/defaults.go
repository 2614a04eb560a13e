package config

import "time"

// Default returns the emulator's default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              5001,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxBodySize:       10 * 1024 * 1024,
		},
		Project: ProjectConfig{
			ID: "demo-project",
		},
		Functions: FunctionsConfig{
			Dir:        "functions",
			NodeBinary: "node",
		},
		Reload: ReloadConfig{
			Watch:    true,
			Debounce: 1 * time.Second,
			Timeout:  60 * time.Second,
		},
		History: HistoryConfig{
			Enabled:       true,
			Retention:     24 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
