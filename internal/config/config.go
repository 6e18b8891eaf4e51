// Package config loads jsync settings from a TOML file, JSYNC_* environment
// variables and built-in defaults, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. JSYNC_REMOTE_URL.
const EnvPrefix = "JSYNC"

// FileName is the config file looked up in the data dir.
const FileName = "config.toml"

// Config holds all jsync settings.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	DBPath      string `mapstructure:"db_path"`
	SessionFile string `mapstructure:"session_file"`
	InboxDir    string `mapstructure:"inbox_dir"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Network   NetworkConfig   `mapstructure:"network"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, if any
	File string `mapstructure:"-"`
}

// RemoteConfig configures the HTTP gateway.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NetworkConfig configures the connectivity monitor.
type NetworkConfig struct {
	// ProbeAddr is dialed to detect connectivity; empty derives it from the remote URL
	ProbeAddr    string        `mapstructure:"probe_addr"`
	SettleWindow time.Duration `mapstructure:"settle_window"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SyncConfig bounds the session transitions.
type SyncConfig struct {
	LogoutFlushTimeout time.Duration `mapstructure:"logout_flush_timeout"`
	RebindTimeout      time.Duration `mapstructure:"rebind_timeout"`
}

// DashboardConfig configures the websocket dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig configures daemon log rotation.
type LogConfig struct {
	// File is the daemon log; empty logs to stderr only
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// DefaultDataDir returns ~/.jsync, or .jsync when the home dir is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jsync"
	}
	return filepath.Join(home, ".jsync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("db_path", "")
	v.SetDefault("session_file", "")
	v.SetDefault("inbox_dir", "")

	v.SetDefault("remote.url", "http://127.0.0.1:8090")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("network.probe_addr", "")
	v.SetDefault("network.settle_window", 5*time.Second)
	v.SetDefault("network.poll_interval", 2*time.Second)

	v.SetDefault("sync.logout_flush_timeout", 10*time.Second)
	v.SetDefault("sync.rebind_timeout", 5*time.Second)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8089)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Default returns the built-in settings with derived paths resolved. Files
// and environment are ignored.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.resolve()
	return cfg
}

// Load reads settings. An explicit path must exist; with an empty path the
// data dir's config.toml is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(expandHome(v.GetString("data_dir")))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.resolve()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve fills derived paths and expands ~.
func (c *Config) resolve() {
	c.DataDir = expandHome(c.DataDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "journal.db")
	}
	if c.SessionFile == "" {
		c.SessionFile = filepath.Join(c.DataDir, "session.json")
	}
	if c.InboxDir == "" {
		c.InboxDir = filepath.Join(c.DataDir, "inbox")
	}
	c.DBPath = expandHome(c.DBPath)
	c.SessionFile = expandHome(c.SessionFile)
	c.InboxDir = expandHome(c.InboxDir)
	c.Log.File = expandHome(c.Log.File)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Network.SettleWindow < 0 {
		return fmt.Errorf("network.settle_window cannot be negative")
	}
	if c.Network.PollInterval <= 0 {
		return fmt.Errorf("network.poll_interval must be positive")
	}
	if c.Sync.LogoutFlushTimeout <= 0 || c.Sync.RebindTimeout <= 0 {
		return fmt.Errorf("sync timeouts must be positive")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// WriteFile writes cfg as TOML. Durations are written as strings ("5s").
// It refuses to overwrite an existing file unless force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	return cfg.Encode(f)
}

// Encode writes cfg to w as TOML.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c.fileSettings()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func (c *Config) fileSettings() map[string]any {
	return map[string]any{
		"data_dir":     c.DataDir,
		"db_path":      c.DBPath,
		"session_file": c.SessionFile,
		"inbox_dir":    c.InboxDir,
		"remote": map[string]any{
			"url":     c.Remote.URL,
			"token":   c.Remote.Token,
			"timeout": c.Remote.Timeout.String(),
		},
		"network": map[string]any{
			"probe_addr":    c.Network.ProbeAddr,
			"settle_window": c.Network.SettleWindow.String(),
			"poll_interval": c.Network.PollInterval.String(),
		},
		"sync": map[string]any{
			"logout_flush_timeout": c.Sync.LogoutFlushTimeout.String(),
			"rebind_timeout":       c.Sync.RebindTimeout.String(),
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"port":    c.Dashboard.Port,
		},
		"log": map[string]any{
			"file":        c.Log.File,
			"max_size_mb": c.Log.MaxSizeMB,
			"max_backups": c.Log.MaxBackups,
		},
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ProbeAddress returns the host:port the network monitor dials. It defaults
// to the remote's host with the scheme's port.
func (c *Config) ProbeAddress() (string, error) {
	if c.Network.ProbeAddr != "" {
		return c.Network.ProbeAddr, nil
	}
	u, err := url.Parse(c.Remote.URL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("cannot derive probe address from remote.url %q", c.Remote.URL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
