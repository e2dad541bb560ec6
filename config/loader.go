package config

// loader.go - configuration loading from a YAML file and the environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (SCRIPTCON_*)
//   3. Config file  (--config or SCRIPTCON_CONFIG)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	ncerr "scriptcon/internal/errors"
)

// ConfigPathEnv names the config file when --config is not given.
const ConfigPathEnv = EnvPrefix + "CONFIG"

// Load builds a Config from the defaults, the config file at path (or
// the one named by SCRIPTCON_CONFIG when path is empty) and the
// environment.  A missing default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.  Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &ncerr.ConfigError{
			Field:   "config",
			Value:   path,
			Message: err.Error(),
			Hint:    "durations are written like 10s or 1m30s",
		}
	}
	return nil
}

// LoadFromEnv overlays SCRIPTCON_* environment variables onto cfg.
// Only variables that are set override the existing value.  This
// should be called BEFORE CLI flag parsing so that flags take
// precedence.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
