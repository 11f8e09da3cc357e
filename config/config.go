// Package config loads Forge's configuration from flags, environment
// variables and an optional config file via viper (file + env + flag
// binding, search path under $HOME and the working directory). The
// environment surface is BUILDER_CACHE_DIR, BUILDER_REMOTE_CACHE,
// BUILDER_PARALLELISM and BUILDER_LOG_LEVEL.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/spf13/viper"
)

// SandboxMode selects how strictly the hermetic executor enforces its
// sandbox, per the CLI's --sandbox flag.
type SandboxMode string

const (
	SandboxStrict     SandboxMode = "strict"
	SandboxPermissive SandboxMode = "permissive"
	SandboxOff        SandboxMode = "off"
)

// Config is Forge's resolved runtime configuration.
type Config struct {
	CacheDir    string      `mapstructure:"cache_dir"`
	RemoteCache string      `mapstructure:"remote_cache"`
	Parallelism int         `mapstructure:"parallelism"`
	LogLevel    string      `mapstructure:"log_level"`
	Verbose     bool        `mapstructure:"verbose"`
	NoCache     bool        `mapstructure:"no_cache"`
	Sandbox     SandboxMode `mapstructure:"sandbox"`
}

// ActionsDir, CASDir and RecordingsDir return the standard subdirectories
// of the cache root.
func (c Config) ActionsDir() string    { return c.CacheDir + "/actions" }
func (c Config) CASDir() string        { return c.CacheDir + "/cas" }
func (c Config) RecordingsDir() string { return c.CacheDir + "/recordings" }

// Load resolves configuration from (in increasing precedence) defaults,
// an optional config file, BUILDER_* environment variables, and
// already-bound cobra flags (the caller binds flags into v before calling
// Load).
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("BUILDER")
	v.AutomaticEnv()

	v.SetDefault("cache_dir", ".builder-cache")
	v.SetDefault("remote_cache", "")
	v.SetDefault("parallelism", runtime.NumCPU())
	v.SetDefault("log_level", "info")
	v.SetDefault("verbose", false)
	v.SetDefault("no_cache", false)
	v.SetDefault("sandbox", string(SandboxStrict))

	_ = v.BindEnv("cache_dir", "BUILDER_CACHE_DIR")
	_ = v.BindEnv("remote_cache", "BUILDER_REMOTE_CACHE")
	_ = v.BindEnv("parallelism", "BUILDER_PARALLELISM")
	_ = v.BindEnv("log_level", "BUILDER_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	switch cfg.Sandbox {
	case SandboxStrict, SandboxPermissive, SandboxOff:
	default:
		return Config{}, fmt.Errorf("config: invalid --sandbox value %q (want strict|permissive|off)", cfg.Sandbox)
	}
	return cfg, nil
}
