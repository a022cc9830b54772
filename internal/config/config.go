// Package config loads pluginwarden settings from a file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PLUGINWARDEN_PLUGIN_SECURITY_MODE.
const EnvPrefix = "PLUGINWARDEN"

// Config is the complete configuration.
type Config struct {
	DataDir   string
	PluginDir string
	// ProjectDir is the directory plugins act on.
	ProjectDir string
	Logger     *Logger
	Security   *Security
	Registry   *Registry
	Sandbox    *Sandbox
	Viper      *viper.Viper
}

// DatabasePath is the sqlite file holding audit history and approvals.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "pluginwarden.db")
}

// Load reads configPath, or searches the usual locations for
// pluginwarden.{yaml,json,toml} when it is empty. A missing file is only
// an error when configPath was given explicitly.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pluginwarden")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pluginwarden"))
		}
		v.AddConfigPath("/etc/pluginwarden")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	security, err := getSecurityConfig(v)
	if err != nil {
		return nil, err
	}

	dataDir := v.GetString("dataDir")
	cfg := &Config{
		DataDir:    dataDir,
		PluginDir:  v.GetString("pluginDir"),
		ProjectDir: v.GetString("projectDir"),
		Logger:     getLoggerConfig(v),
		Security:   security,
		Registry:   getRegistryConfig(v, dataDir),
		Sandbox:    getSandboxConfig(v),
		Viper:      v,
	}
	if cfg.PluginDir == "" {
		cfg.PluginDir = filepath.Join(dataDir, "plugins")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be fixed up with defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("dataDir must be set")
	}
	if _, err := c.Security.Policy(); err != nil {
		return err
	}
	if err := c.Sandbox.Limits().Validate(); err != nil {
		return err
	}
	if c.Registry.CacheTTL < 0 {
		return fmt.Errorf("registry.cacheTTL must not be negative, got %s", c.Registry.CacheTTL)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	dataDir := ".pluginwarden"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".pluginwarden")
	}
	v.SetDefault("dataDir", dataDir)
	v.SetDefault("projectDir", ".")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.output", "stderr")

	setSecurityDefaults(v)
	setRegistryDefaults(v)
	setSandboxDefaults(v)
}

// decodeHook lets config files spell durations and timestamps as strings.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
}
