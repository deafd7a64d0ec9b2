// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Orbit hub.
//
// Configuration is loaded from a single YAML file specified by the
// ORBIT_CONFIG environment variable or the --config flag. There are no
// fallbacks or automatic discovery: one file, deterministic and
// auditable, with defaults applied for unset fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the Orbit hub server.
type Config struct {
	// Server configures the WebSocket listener.
	Server ServerConfig `yaml:"server"`

	// Store configures durable snapshot storage.
	Store StoreConfig `yaml:"store"`

	// Push configures the push-notification collaborator.
	Push PushConfig `yaml:"push"`

	// Relay configures hub behavior.
	Relay RelayConfig `yaml:"relay"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	// ListenAddr is the address the hub server binds
	// (e.g. "127.0.0.1:8470").
	ListenAddr string `yaml:"listen_addr"`

	// AllowedOrigins restricts browser connections by the Origin
	// header. Empty, or a single "*", allows any origin. Non-browser
	// clients (no Origin header) are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AuthTokens maps bearer tokens to user ids for the built-in
	// static authenticator. Production deployments replace this with
	// an external authenticator and leave it empty.
	AuthTokens map[string]string `yaml:"auth_tokens"`
}

// StoreConfig configures durable snapshot storage.
type StoreConfig struct {
	// DatabasePath is the SQLite database file for thread snapshots.
	// The parent directory is created if missing.
	DatabasePath string `yaml:"database_path"`

	// PoolSize is the SQLite connection pool size. Defaults to 4.
	PoolSize int `yaml:"pool_size"`
}

// PushConfig configures the push-notification collaborator.
type PushConfig struct {
	// WebhookURL is the endpoint that receives approval/input-request
	// notifications. Empty disables push delivery.
	WebhookURL string `yaml:"webhook_url"`

	// Timeout bounds each delivery attempt. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	// ActionURLBase prefixes the actionUrl included in notifications,
	// pointing recipients at the web client's thread view. Empty omits
	// action URLs.
	ActionURLBase string `yaml:"action_url_base"`
}

// RelayConfig configures per-hub behavior.
type RelayConfig struct {
	// DispatchTimeout bounds each multi-dispatch fan-out. Defaults
	// to 20s.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// Default returns the default configuration. These exist so every
// field has a sensible zero configuration for development; the config
// file overrides them.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8470",
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(homeDir, ".cache", "orbit", "threads.db"),
			PoolSize:     4,
		},
		Push: PushConfig{
			Timeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			DispatchTimeout: 20 * time.Second,
		},
	}
}

// Load loads configuration from the path in ORBIT_CONFIG. Returns the
// defaults when ORBIT_CONFIG is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("ORBIT_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults. Environment variables do not override file values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	if c.Store.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("store.database_path is required"))
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("store.pool_size must not be negative"))
	}
	if c.Push.Timeout < 0 {
		errs = append(errs, fmt.Errorf("push.timeout must not be negative"))
	}
	if c.Relay.DispatchTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.dispatch_timeout must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories the configuration references.
func (c *Config) EnsurePaths() error {
	dir := filepath.Dir(c.Store.DatabasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}
