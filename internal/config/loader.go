package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var ErrConfigNotFound = errors.New("config file not found")

// LoadOptions control config resolution.
type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

// Load resolves configuration from defaults, an optional YAML file, and
// EMBER_-prefixed environment variables.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "EMBER"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("ember")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/ember")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from an explicit file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_header_timeout", cfg.Server.ReadHeaderTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", cfg.Server.MaxBodySize)

	v.SetDefault("project.id", cfg.Project.ID)

	v.SetDefault("functions.dir", cfg.Functions.Dir)
	v.SetDefault("functions.node_binary", cfg.Functions.NodeBinary)
	v.SetDefault("functions.runtime_entry", cfg.Functions.RuntimeEntry)
	v.SetDefault("functions.disabled_features", cfg.Functions.DisabledFeatures)

	v.SetDefault("reload.watch", cfg.Reload.Watch)
	v.SetDefault("reload.debounce", cfg.Reload.Debounce)
	v.SetDefault("reload.timeout", cfg.Reload.Timeout)

	v.SetDefault("emulators.locator_file", cfg.Emulators.LocatorFile)

	v.SetDefault("history.enabled", cfg.History.Enabled)
	v.SetDefault("history.retention", cfg.History.Retention)
	v.SetDefault("history.prune_schedule", cfg.History.PruneSchedule)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}
