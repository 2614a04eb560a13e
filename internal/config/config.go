// Package config provides configuration management for Ember.
package config

import (
	"strconv"
	"time"
)

// Config is the root configuration structure for the emulator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Project   ProjectConfig   `mapstructure:"project"`
	Functions FunctionsConfig `mapstructure:"functions"`
	Reload    ReloadConfig    `mapstructure:"reload"`
	Emulators EmulatorsConfig `mapstructure:"emulators"`
	History   HistoryConfig   `mapstructure:"history"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds gateway HTTP server settings.
type ServerConfig struct {
	// Host to bind the gateway to
	Host string `mapstructure:"host"`

	// Port to listen on (0 picks an ephemeral port)
	Port int `mapstructure:"port"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`

	// Maximum buffered request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// ProjectConfig identifies the emulated project.
type ProjectConfig struct {
	ID string `mapstructure:"id"`
}

// FunctionsConfig locates the functions source and the worker runtime.
type FunctionsConfig struct {
	// Dir is the functions source directory workers run in
	Dir string `mapstructure:"dir"`

	// NodeBinary is the interpreter used to launch workers
	NodeBinary string `mapstructure:"node_binary"`

	// RuntimeEntry is the worker entry script
	RuntimeEntry string `mapstructure:"runtime_entry"`

	// DisabledFeatures lists runtime features workers must not enable
	DisabledFeatures []string `mapstructure:"disabled_features"`
}

// ReloadConfig controls filesystem-driven trigger reloads.
type ReloadConfig struct {
	// Watch enables the functions directory watcher
	Watch bool `mapstructure:"watch"`

	// Debounce is the trailing-edge idle window before a reload runs
	Debounce time.Duration `mapstructure:"debounce"`

	// Timeout bounds one diagnostic worker run
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmulatorAddress locates one sibling emulator.
type EmulatorAddress struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// EmulatorsConfig describes how sibling emulators are discovered.
type EmulatorsConfig struct {
	// LocatorFile is an optional YAML file mapping emulator names to ports
	LocatorFile string `mapstructure:"locator_file"`

	// Static entries override the locator file
	Static map[string]EmulatorAddress `mapstructure:"static"`
}

// HistoryConfig controls the in-memory invocation history.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Retention is how long completed invocations are kept
	Retention time.Duration `mapstructure:"retention"`

	// PruneSchedule is a cron expression for the pruning pass
	PruneSchedule string `mapstructure:"prune_schedule"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}
