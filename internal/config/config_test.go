package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STARTAB_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.PullInterval != 3*time.Minute {
		t.Errorf("PullInterval = %v, want 3m", cfg.PullInterval)
	}
	if cfg.PushDebounce != 2*time.Second {
		t.Errorf("PushDebounce = %v, want 2s", cfg.PushDebounce)
	}
	if cfg.SurfacePort != 7621 {
		t.Errorf("SurfacePort = %d", cfg.SurfacePort)
	}
	if !cfg.WatchShortcuts {
		t.Error("WatchShortcuts = false, want default true")
	}
	if cfg.DatabasePath() != filepath.Join(dir, "startab.db") {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STARTAB_DATA_DIR", dir)

	yaml := []byte("server_url: https://sync.example\npull_interval: 10m\nsurface_port: 9000\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServerURL != "https://sync.example" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.PullInterval != 10*time.Minute {
		t.Errorf("PullInterval = %v, want 10m", cfg.PullInterval)
	}
	if cfg.SurfacePort != 9000 {
		t.Errorf("SurfacePort = %d, want 9000", cfg.SurfacePort)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STARTAB_DATA_DIR", dir)
	t.Setenv("STARTAB_SERVER_URL", "https://env.example")

	yaml := []byte("server_url: https://file.example\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerURL != "https://env.example" {
		t.Errorf("ServerURL = %q, want environment to win", cfg.ServerURL)
	}
}
