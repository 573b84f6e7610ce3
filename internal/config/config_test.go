package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATA_DIR", "SHUTDOWN_TIMEOUT", "INTER_ITEM_DELAY", "TARGET_CONN_TIMEOUT", "TARGET_MAX_OPEN_CONNS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" || cfg.DataDir != "./data" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.InterItemDelay != 100*time.Millisecond {
		t.Fatalf("InterItemDelay = %v, want 100ms", cfg.InterItemDelay)
	}
	if cfg.TargetMaxOpenConns != 4 {
		t.Fatalf("TargetMaxOpenConns = %d, want 4", cfg.TargetMaxOpenConns)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	for _, key := range []string{"PORT", "DATA_DIR", "SHUTDOWN_TIMEOUT", "INTER_ITEM_DELAY", "TARGET_CONN_TIMEOUT", "TARGET_MAX_OPEN_CONNS"} {
		t.Setenv(key, "")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "port: \"9090\"\ndata_dir: /var/lib/dbtune\ninter_item_delay: 250ms\ntarget_max_open_conns: 8\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" || cfg.DataDir != "/var/lib/dbtune" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.InterItemDelay != 250*time.Millisecond || cfg.TargetMaxOpenConns != 8 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Unset fields keep their defaults.
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want default", cfg.ShutdownTimeout)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: \"9090\"\n"), 0644); err != nil {
		t.Fatalf("write config error = %v", err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("INTER_ITEM_DELAY", "1s")
	t.Setenv("TARGET_MAX_OPEN_CONNS", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "7070" {
		t.Fatalf("Port = %q, env must win over the file", cfg.Port)
	}
	if cfg.InterItemDelay != time.Second || cfg.TargetMaxOpenConns != 2 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadIgnoresBadEnvValues(t *testing.T) {
	t.Setenv("INTER_ITEM_DELAY", "not-a-duration")
	t.Setenv("TARGET_MAX_OPEN_CONNS", "-3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InterItemDelay != 100*time.Millisecond || cfg.TargetMaxOpenConns != 4 {
		t.Fatalf("bad env values should fall back to defaults: %+v", cfg)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	for _, key := range []string{"PORT", "DATA_DIR"} {
		t.Setenv(key, "")
	}
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
