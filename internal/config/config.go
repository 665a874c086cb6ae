// Package config loads the client configuration: YAML file, then OK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvBackendURL = "OK_BACKEND_URL"
	EnvDataDir    = "OK_DATA_DIR"
	EnvToken      = "OK_TOKEN"
	EnvTimeout    = "OK_TIMEOUT"
)

// Config is the client configuration.
type Config struct {
	BackendURL string        `yaml:"backend_url"`
	DataDir    string        `yaml:"data_dir"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
	// KeyCacheTTL bounds how long derived device keys stay in memory.
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BackendURL:  "http://localhost:8080",
		DataDir:     defaultDataDir(),
		Timeout:     15 * time.Second,
		UserAgent:   "offline-keeper-cli/1",
		KeyCacheTTL: 5 * time.Minute,
	}
}

// DefaultPath is $XDG_CONFIG_HOME/offline-keeper/config.yaml.
func DefaultPath() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "offline-keeper", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "offline-keeper", "config.yaml")
}

func defaultDataDir() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, "offline-keeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "offline-keeper")
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error when optional is true.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && optional:
	default:
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.BackendURL = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Timeout = d
	}
	return nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data dir is empty")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend url %q is not absolute", c.BackendURL)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// Save writes the configuration with 0600 permissions, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// SaltPath is where the device salt lives.
func (c *Config) SaltPath() string { return filepath.Join(c.DataDir, "device.salt") }
