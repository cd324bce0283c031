// Package config loads the broker's own configuration: bind address, bearer
// token, allowed RPC origins, and harness binary path overrides. Layered via
// viper (SetConfigName/SetConfigType/AddConfigPath, a GetDefaults
// single-source-of-default map, tolerant-of-missing ReadInConfig, then
// Unmarshal into a struct).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// HarnessOverride lets an operator point a harnessId at a non-default binary,
// letting a harness binary lookup check an override before PATH.
type HarnessOverride struct {
	Path string `mapstructure:"path"`
}

// Config is the broker's full resolved configuration.
type Config struct {
	Host            string                     `mapstructure:"host"`
	Port            int                        `mapstructure:"port"`
	Token           string                     `mapstructure:"token"`
	AllowNoAuth     bool                       `mapstructure:"allow_no_auth"`
	CORSOrigins     []string                   `mapstructure:"cors_origins"`
	Release         bool                       `mapstructure:"release"`
	ToolServerDebug bool                       `mapstructure:"tool_server_debug"`
	StateDir        string                     `mapstructure:"state_dir"`
	Harnesses       map[string]HarnessOverride `mapstructure:"harnesses"`
}

// GetConfigDir returns the XDG config directory for the broker.
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "openade-broker"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "openade-broker"), nil
}

// GetConfigPath returns the path where the config file should live.
func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// GetStateDir returns the default on-disk state directory (device identity,
// execution history), independent of the config file's own directory.
func GetStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".openade"), nil
}

// GetDefaults is the single source of truth for every default value Load
// registers with viper before reading the config file.
func GetDefaults() map[string]any {
	return map[string]any{
		"host":              "127.0.0.1",
		"port":              8080,
		"allow_no_auth":     false,
		"release":           false,
		"tool_server_debug": false,
	}
}

// Load reads the broker's config file (if present) layered over
// GetDefaults; a missing config file is not an error.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	for key, value := range GetDefaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Harnesses == nil {
		cfg.Harnesses = make(map[string]HarnessOverride)
	}
	if cfg.StateDir == "" {
		dir, err := GetStateDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return &cfg, nil
}

// Exists reports whether a config file is present on disk.
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Save writes cfg to the config file as YAML via a fresh, scratch
// *viper.Viper instance rather than mutating the package-global one.
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.Set("host", cfg.Host)
	v.Set("port", cfg.Port)
	v.Set("token", cfg.Token)
	v.Set("allow_no_auth", cfg.AllowNoAuth)
	v.Set("cors_origins", cfg.CORSOrigins)
	v.Set("release", cfg.Release)
	v.Set("tool_server_debug", cfg.ToolServerDebug)
	v.Set("state_dir", cfg.StateDir)
	v.Set("harnesses", cfg.Harnesses)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ResolveHarnessBinary returns the configured override path for harnessId,
// or "" when none is configured.
func (c *Config) ResolveHarnessBinary(harnessID string) string {
	if c == nil {
		return ""
	}
	if o, ok := c.Harnesses[harnessID]; ok {
		return o.Path
	}
	return ""
}
