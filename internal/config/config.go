// Package config loads server configuration from an optional YAML file with
// environment-variable overrides. Environment always wins so container
// deployments can tweak a single knob without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	// Port the API server listens on.
	Port string `yaml:"port"`
	// DataDir holds the sqlite database.
	DataDir string `yaml:"data_dir"`
	// ShutdownTimeout bounds graceful shutdown and batch draining.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// InterItemDelay is the pause between items of an execute-all batch, a
	// courtesy toward the target database's connection pool.
	InterItemDelay time.Duration `yaml:"inter_item_delay"`
	// TargetMaxOpenConns bounds the pool per target connection profile.
	TargetMaxOpenConns int `yaml:"target_max_open_conns"`
	// TargetConnTimeout bounds a single fix statement against the target.
	TargetConnTimeout time.Duration `yaml:"target_conn_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:               "8080",
		DataDir:            "./data",
		ShutdownTimeout:    30 * time.Second,
		InterItemDelay:     100 * time.Millisecond,
		TargetMaxOpenConns: 4,
		TargetConnTimeout:  5 * time.Minute,
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file is
// absent) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if d, ok := envDuration("SHUTDOWN_TIMEOUT"); ok {
		c.ShutdownTimeout = d
	}
	if d, ok := envDuration("INTER_ITEM_DELAY"); ok {
		c.InterItemDelay = d
	}
	if d, ok := envDuration("TARGET_CONN_TIMEOUT"); ok {
		c.TargetConnTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("TARGET_MAX_OPEN_CONNS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TargetMaxOpenConns = n
		}
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}
