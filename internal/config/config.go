// Package config loads scheduler and adapter defaults from a TOML
// configuration file, layering environment-variable overrides on top,
// and exposes the static per-model price table used by the iteration
// engine's cost computation step.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk forge.toml shape.
type Config struct {
	Agent     AgentConfig     `toml:"agent"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Store     StoreConfig     `toml:"store"`
}

// AgentConfig configures how the agent subprocess is located and invoked.
type AgentConfig struct {
	BinaryPath  string   `toml:"binary_path"`
	ExtraArgs   []string `toml:"extra_args"`
	JSONLogs    bool     `toml:"json_logs"`
	ServerURL   string   `toml:"server_url"`
	CommitPrefix string  `toml:"commit_prefix"`
}

// SchedulerConfig supplies batch plan defaults.
type SchedulerConfig struct {
	Concurrency  int    `toml:"concurrency"`
	TimeoutSec   int    `toml:"timeout_sec"`
	Retries      int    `toml:"retries"`
	MergeOnPass  bool   `toml:"merge_on_pass"`
	ScriptCommand string `toml:"script_command"`
}

// StoreConfig locates the embedded database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// DefaultConfig mirrors the teacher's DefaultConfig(townRoot) pattern:
// struct defaults overridden by environment variables.
func DefaultConfig(configDir string) *Config {
	cfg := &Config{
		Agent: AgentConfig{
			BinaryPath:   "agent",
			JSONLogs:     true,
			CommitPrefix: "amp:",
		},
		Scheduler: SchedulerConfig{
			Concurrency: 3,
			TimeoutSec:  600,
			Retries:     0,
		},
		Store: StoreConfig{
			Path: filepath.Join(configDir, "sessions.db"),
		},
	}
	cfg.applyEnvOverrides()
	return cfg
}

// Load reads forge.toml at path, falling back to defaults for a missing
// file, then applies environment-variable overrides on top.
func Load(path, configDir string) (*Config, error) {
	cfg := DefaultConfig(configDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORGE_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FORGE_AGENT_PATH"); v != "" {
		c.Agent.BinaryPath = v
	}
	if v := os.Getenv("FORGE_AGENT_URL"); v != "" {
		c.Agent.ServerURL = v
	}
}

// ConfigDir returns the platform-conventional user config directory for
// this application, unless overridden by FORGE_CONFIG_DIR.
func ConfigDir() (string, error) {
	if v := os.Getenv("FORGE_CONFIG_DIR"); v != "" {
		return v, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "forge"), nil
}
