// Package config loads daemon and CLI configuration.
//
// Settings come from, in increasing precedence: built-in defaults, a
// config.yaml in the data directory, and STARTAB_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration.
type Config struct {
	// ServerURL is the base URL of the remote sync service.
	ServerURL string

	// DataDir holds the state database, logs, and the shortcuts file.
	DataDir string

	// PullInterval is how often the engine pulls the remote snapshot.
	PullInterval time.Duration

	// PushDebounce is how long edits must be quiet before a push.
	PushDebounce time.Duration

	// SurfacePort is the local surface server port.
	SurfacePort int

	// WatchShortcuts enables adopting external edits to the shortcuts
	// file in the data directory.
	WatchShortcuts bool
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".startab"
	}
	return filepath.Join(home, ".startab")
}

// Load reads configuration from defaults, config.yaml, and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server_url", "https://tabsync.lehuy.site")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("pull_interval", 3*time.Minute)
	v.SetDefault("push_debounce", 2*time.Second)
	v.SetDefault("surface_port", 7621)
	v.SetDefault("watch_shortcuts", true)

	v.SetEnvPrefix("STARTAB")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(v.GetString("data_dir"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		ServerURL:      v.GetString("server_url"),
		DataDir:        v.GetString("data_dir"),
		PullInterval:   v.GetDuration("pull_interval"),
		PushDebounce:   v.GetDuration("push_debounce"),
		SurfacePort:    v.GetInt("surface_port"),
		WatchShortcuts: v.GetBool("watch_shortcuts"),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

// DatabasePath returns the state database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "startab.db")
}

// ShortcutsPath returns the watched shortcuts file location.
func (c *Config) ShortcutsPath() string {
	return filepath.Join(c.DataDir, "shortcuts.json")
}

// LogPath returns the daemon log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "startab.log")
}
