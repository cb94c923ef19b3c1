// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Warden bot.
//
// Configuration is loaded from a single file specified by:
//   - WARDEN_CONFIG environment variable, or
//   - --config flag passed to the binary
//
// There are no fallbacks or automatic discovery. This keeps the
// configuration deterministic and auditable with no hidden overrides.
// YAML is the primary format; JSON with comments (.json/.jsonc) is
// also accepted.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for a Warden instance.
type Config struct {
	// Homeserver configures the Matrix connection.
	Homeserver HomeserverConfig `yaml:"homeserver" json:"homeserver"`

	// StateDir is the directory holding warden.db (the key-value
	// store) and other runtime state. Created if missing.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// CommandPrefix introduces bot commands in room messages.
	// Default: "!".
	CommandPrefix string `yaml:"command_prefix" json:"command_prefix"`

	// RoleRooms lists Matrix room IDs that confer roles: an actor
	// "has" a role room as a role when they are a joined member of
	// it. Privilege sets reference these room IDs in their role
	// lists.
	RoleRooms []string `yaml:"role_rooms" json:"role_rooms"`

	// LogRelay configures the log-to-room relay sink.
	LogRelay LogRelayConfig `yaml:"log_relay" json:"log_relay"`
}

// HomeserverConfig configures the Matrix connection.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver (e.g., "https://matrix.example.org").
	URL string `yaml:"url" json:"url"`

	// UserID is the bot's fully-qualified Matrix user ID.
	UserID string `yaml:"user_id" json:"user_id"`

	// TokenFile is the path to a file containing the access token on
	// its first line. Keeping the token out of the config file lets
	// the config be world-readable.
	TokenFile string `yaml:"token_file" json:"token_file"`
}

// LogRelayConfig configures the log relay sink.
type LogRelayConfig struct {
	// Level is the minimum severity relayed ("debug", "info", "warn",
	// "error"). Default: "error". The destination room itself lives
	// in the key-value store (namespace "logrelay", key "channel") so
	// it can be changed at runtime.
	Level string `yaml:"level" json:"level"`
}

// Default returns the default configuration. These defaults are a
// base for the loaded file, not a substitute for it — the config file
// is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		StateDir:      filepath.Join(homeDir, ".local", "state", "warden"),
		CommandPrefix: "!",
		LogRelay: LogRelayConfig{
			Level: "error",
		},
	}
}

// Load loads configuration from the WARDEN_CONFIG environment
// variable. Fails if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv("WARDEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WARDEN_CONFIG environment variable not set; " +
			"set it to the path of your warden.yaml config file, or use the --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file
// format is chosen by extension: .json/.jsonc are parsed as JSON with
// comments, everything else as YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	return cfg, nil
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	}
	if c.Homeserver.UserID == "" {
		errs = append(errs, fmt.Errorf("homeserver.user_id is required"))
	}
	if c.Homeserver.TokenFile == "" {
		errs = append(errs, fmt.Errorf("homeserver.token_file is required"))
	}
	if c.StateDir == "" {
		errs = append(errs, fmt.Errorf("state_dir is required"))
	}
	if c.CommandPrefix == "" {
		errs = append(errs, fmt.Errorf("command_prefix must not be empty"))
	}

	switch c.LogRelay.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_relay.level %q must be one of: debug, info, warn, error", c.LogRelay.Level))
	}

	return errors.Join(errs...)
}

// ReadToken reads the access token from Homeserver.TokenFile. The
// token is the first line of the file; surrounding whitespace is
// trimmed.
func (c *Config) ReadToken() (string, error) {
	data, err := os.ReadFile(c.Homeserver.TokenFile)
	if err != nil {
		return "", fmt.Errorf("config: reading token file: %w", err)
	}
	token, _, _ := strings.Cut(string(data), "\n")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("config: token file %s is empty", c.Homeserver.TokenFile)
	}
	return token, nil
}
