package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps all validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks cross-field constraints after loading.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, cfg.Server.Port)
	}
	if cfg.Server.MaxBodySize <= 0 {
		return fmt.Errorf("%w: server.max_body_size must be positive", ErrInvalidConfig)
	}
	if cfg.Project.ID == "" {
		return fmt.Errorf("%w: project.id is required", ErrInvalidConfig)
	}
	if cfg.Functions.Dir == "" {
		return fmt.Errorf("%w: functions.dir is required", ErrInvalidConfig)
	}
	if cfg.Functions.NodeBinary == "" {
		return fmt.Errorf("%w: functions.node_binary is required", ErrInvalidConfig)
	}
	if cfg.Reload.Debounce < 0 {
		return fmt.Errorf("%w: reload.debounce must not be negative", ErrInvalidConfig)
	}
	for name, addr := range cfg.Emulators.Static {
		if addr.Port <= 0 || addr.Port > 65535 {
			return fmt.Errorf("%w: emulators.static.%s.port %d out of range", ErrInvalidConfig, name, addr.Port)
		}
	}
	if cfg.History.Enabled && cfg.History.Retention <= 0 {
		return fmt.Errorf("%w: history.retention must be positive", ErrInvalidConfig)
	}
	return nil
}
