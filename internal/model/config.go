package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// FolderConfig names a server folder to mirror.
type FolderConfig struct {
	// Path is the server-side mailbox name (e.g., "INBOX", "Archive").
	Path string `mapstructure:"path" yaml:"path"`

	// Type classifies the folder; "trash" is where deletes go.
	Type FolderType `mapstructure:"type" yaml:"type"`
}

// AccountConfig holds the configuration for a single mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account. Folder ids are derived
	// from it.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`

	// Enabled controls whether this account is opened at all.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	Folders []FolderConfig `mapstructure:"folders" yaml:"folders"`
}

// CredentialKey is the keyring key the account password is stored under.
func (a AccountConfig) CredentialKey() string {
	return "imap:" + a.ID
}

// StorageConfig selects and tunes the local persistence backend.
type StorageConfig struct {
	// Backend is "sqlite" or "bolt".
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`

	// MaxBlockBytes bounds header and body blocks before they split.
	MaxBlockBytes int `mapstructure:"max_block_bytes" yaml:"max_block_bytes"`
}

// SyncConfig tunes the sync engine and background refresh.
type SyncConfig struct {
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	InitialFillSize int `mapstructure:"initial_fill_size" yaml:"initial_fill_size"`
	BisectThreshold int `mapstructure:"bisect_threshold" yaml:"bisect_threshold"`
}

// PoolConfig bounds server connections per account.
type PoolConfig struct {
	MaxConnections int     `mapstructure:"max_connections" yaml:"max_connections"`
	OpenPerSecond  float64 `mapstructure:"open_per_second" yaml:"open_per_second"`
	OpenBurst      int     `mapstructure:"open_burst" yaml:"open_burst"`
}

// JobsConfig tunes the operation queue.
type JobsConfig struct {
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	// Level is a zerolog level name.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig holds the Prometheus listener address.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Storage  StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Pool     PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Jobs     JobsConfig      `mapstructure:"jobs" yaml:"jobs"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultStoragePath returns where the local store lives unless configured.
func DefaultStoragePath() string {
	return filepath.Join(configDir(), "mailsync.db")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailsync")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts: []AccountConfig{},
		Storage: StorageConfig{
			Backend:       "sqlite",
			Path:          DefaultStoragePath(),
			MaxBlockBytes: 96 * 1024,
		},
		Sync: SyncConfig{
			PollIntervalSec: 120,
			InitialFillSize: 15,
			BisectThreshold: 50,
		},
		Pool: PoolConfig{
			MaxConnections: 4,
			OpenPerSecond:  2,
			OpenBurst:      2,
		},
		Jobs: JobsConfig{HistoryLimit: 10},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9464"},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	def := defaultAppConfig()
	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.path", def.Storage.Path)
	v.SetDefault("storage.max_block_bytes", def.Storage.MaxBlockBytes)
	v.SetDefault("sync.poll_interval_sec", def.Sync.PollIntervalSec)
	v.SetDefault("sync.initial_fill_size", def.Sync.InitialFillSize)
	v.SetDefault("sync.bisect_threshold", def.Sync.BisectThreshold)
	v.SetDefault("pool.max_connections", def.Pool.MaxConnections)
	v.SetDefault("pool.open_per_second", def.Pool.OpenPerSecond)
	v.SetDefault("pool.open_burst", def.Pool.OpenBurst)
	v.SetDefault("jobs.history_limit", def.Jobs.HistoryLimit)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("metrics.listen", def.Metrics.Listen)

	v.SetEnvPrefix("MAILSYNC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Port == "" {
			a.Port = "993"
		}
		if !a.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				a.Enabled = true
			}
		}
		if len(a.Folders) == 0 {
			a.Folders = []FolderConfig{{Path: "INBOX", Type: FolderTypeInbox}}
		}
		for j := range a.Folders {
			if a.Folders[j].Type == "" {
				a.Folders[j].Type = FolderTypeNormal
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("storage", cfg.Storage)
	v.Set("sync", cfg.Sync)
	v.Set("pool", cfg.Pool)
	v.Set("jobs", cfg.Jobs)
	v.Set("log", cfg.Log)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
