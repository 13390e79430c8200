// Package config loads engine configuration from a YAML file with
// CHATSYNC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the engine. Zero values fall back to DefaultConfig.
type Config struct {
	Server               string        `yaml:"server"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	TypingExpiry         time.Duration `yaml:"typing_expiry"`
	ActiveDebounce       time.Duration `yaml:"active_debounce"`
	InitialPageSize      int           `yaml:"initial_page_size"`
	PageSize             int           `yaml:"page_size"`
	CachePath            string        `yaml:"cache_path"`
	LogLevel             string        `yaml:"log_level"`
}

// DefaultConfig returns working defaults for every knob.
func DefaultConfig() Config {
	return Config{
		Server:               "ws://localhost:8080/ws",
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
		TypingExpiry:         4 * time.Second,
		ActiveDebounce:       400 * time.Millisecond,
		InitialPageSize:      50,
		PageSize:             20,
		LogLevel:             "info",
	}
}

// Load reads a YAML file, fills gaps with defaults, and applies environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHATSYNC_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("CHATSYNC_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReconnectDelay = d
		}
	}
	if v := os.Getenv("CHATSYNC_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("CHATSYNC_TYPING_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TypingExpiry = d
		}
	}
	if v := os.Getenv("CHATSYNC_CACHE_PATH"); v != "" {
		c.CachePath = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()

	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = def.TypingExpiry
	}
	if c.ActiveDebounce <= 0 {
		c.ActiveDebounce = def.ActiveDebounce
	}
	if c.InitialPageSize <= 0 {
		c.InitialPageSize = def.InitialPageSize
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}
