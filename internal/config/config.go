package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets in the config file.
const (
	EnvCatalogToken = "TAPEVAULT_CATALOG_TOKEN"
	EnvSentryDSN    = "TAPEVAULT_SENTRY_DSN"
	EnvDatabaseDSN  = "TAPEVAULT_DB_DSN"
)

// Config is the top-level configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Batch    BatchConfig    `yaml:"batch"`
	Remote   RemoteConfig   `yaml:"remote"`
	Retry    RetryConfig    `yaml:"retry"`
	Confirm  ConfirmConfig  `yaml:"confirm"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Alert    AlertConfig    `yaml:"alert"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
}

// DatabaseConfig selects the item/batch store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	DSN    string `yaml:"dsn"`    // file path for sqlite
}

// BatchConfig holds the accumulator settings and local directory layout.
type BatchConfig struct {
	Threshold     string `yaml:"threshold"` // volume that cuts a batch, e.g. "100GB"
	InboxDir      string `yaml:"inbox_dir"`
	WorkDir       string `yaml:"work_dir"`
	DeadLetterDir string `yaml:"dead_letter_dir"`
	// WatchInbox turns inbox file events into accumulator checks.
	WatchInbox bool `yaml:"watch_inbox"`
}

// RemoteConfig describes the tape vault.
type RemoteConfig struct {
	Type        string         `yaml:"type"` // "dmf" or "dir"
	MaxSessions int            `yaml:"max_sessions"`
	Root        string         `yaml:"root"`
	Extension   string         `yaml:"extension"`
	DMF         DMFConfig      `yaml:"dmf"`
	Dir         DirVaultConfig `yaml:"dir"`
}

// DMFConfig holds the settings for the remote tape tool.
type DMFConfig struct {
	User          string `yaml:"user"`
	Host          string `yaml:"host"`
	DmftarBinary  string `yaml:"dmftar_binary"`
	SSHBinary     string `yaml:"ssh_binary"`
	DmlsBinary    string `yaml:"dmls_binary"`
	ChecksumGlob  string `yaml:"checksum_glob"`
	DefaultDigest string `yaml:"default_digest"`
}

// DirVaultConfig holds the settings for the directory backed vault.
type DirVaultConfig struct {
	SplitSize    string        `yaml:"split_size"`
	Compression  string        `yaml:"compression"` // "zstd" or "xz"
	MigrateAfter time.Duration `yaml:"migrate_after"`
}

// RetryConfig holds the transfer retry scheduler settings.
type RetryConfig struct {
	Interval    time.Duration   `yaml:"interval"`
	Backoff     []time.Duration `yaml:"backoff"`
	MaxAttempts int             `yaml:"max_attempts"` // 0 retries forever
}

// ConfirmConfig holds the archive status confirmer settings.
type ConfirmConfig struct {
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

// CatalogConfig points at the catalog registration service.
type CatalogConfig struct {
	URL     string        `yaml:"url"` // empty disables registration
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// AlertConfig configures operator alerts.
type AlertConfig struct {
	SentryDSN string `yaml:"sentry_dsn"`
}

// LoggingConfig configures the log file. Level and format come from flags.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8090",
			DataDir: "/var/lib/tapevault",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "",
		},
		Batch: BatchConfig{
			Threshold:  "100GB",
			WatchInbox: true,
		},
		Remote: RemoteConfig{
			Type:        "dmf",
			MaxSessions: 2,
			Extension:   "dmftar",
			DMF: DMFConfig{
				DmftarBinary:  "dmftar",
				SSHBinary:     "ssh",
				DmlsBinary:    "dmls",
				ChecksumGlob:  "*/*.chksum",
				DefaultDigest: "SHA-256",
			},
			Dir: DirVaultConfig{
				SplitSize:    "10GB",
				Compression:  "zstd",
				MigrateAfter: time.Hour,
			},
		},
		Retry: RetryConfig{
			Interval: time.Minute,
			Backoff: []time.Duration{
				time.Minute,
				time.Hour,
				8 * time.Hour,
				24 * time.Hour,
				48 * time.Hour,
				72 * time.Hour,
			},
			MaxAttempts: 0,
		},
		Confirm: ConfirmConfig{
			Interval: 10 * time.Minute,
			Workers:  2,
		},
		Catalog: CatalogConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvCatalogToken); v != "" {
		c.Catalog.Token = v
	}
	if v := os.Getenv(EnvSentryDSN); v != "" {
		c.Alert.SentryDSN = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"tapevault.yaml",
		"/etc/tapevault/tapevault.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "tapevault", "tapevault.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if _, err := c.ThresholdBytes(); err != nil {
		return err
	}
	if len(c.Retry.Backoff) == 0 {
		return fmt.Errorf("retry.backoff must list at least one interval")
	}
	for i, d := range c.Retry.Backoff {
		if d <= 0 {
			return fmt.Errorf("retry.backoff[%d] must be positive, got %s", i, d)
		}
	}
	if c.Retry.Interval <= 0 {
		return fmt.Errorf("retry.interval must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Confirm.Interval <= 0 {
		return fmt.Errorf("confirm.interval must be positive")
	}
	if c.Remote.MaxSessions <= 0 {
		return fmt.Errorf("remote.max_sessions must be positive")
	}
	if c.Confirm.Workers <= 0 {
		return fmt.Errorf("confirm.workers must be positive")
	}
	switch c.Remote.Type {
	case "dmf":
		if c.Remote.DMF.Host == "" {
			return fmt.Errorf("remote.dmf.host is required for the dmf vault")
		}
		if c.Remote.Root == "" {
			return fmt.Errorf("remote.root is required")
		}
	case "dir":
		if c.Remote.Root == "" {
			return fmt.Errorf("remote.root is required")
		}
		if _, err := humanize.ParseBytes(c.Remote.Dir.SplitSize); err != nil {
			return fmt.Errorf("invalid remote.dir.split_size %q: %w", c.Remote.Dir.SplitSize, err)
		}
	default:
		return fmt.Errorf("unsupported remote.type %q", c.Remote.Type)
	}
	switch c.Database.Driver {
	case "", "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	return nil
}

// ThresholdBytes parses the batch volume threshold.
func (c *Config) ThresholdBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Batch.Threshold)
	if err != nil {
		return 0, fmt.Errorf("invalid batch.threshold %q: %w", c.Batch.Threshold, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("batch.threshold must be positive")
	}
	return int64(n), nil
}

// InboxDir returns the inbox directory, defaulting under the data dir.
func (c *Config) InboxDir() string {
	return c.dataPath(c.Batch.InboxDir, "inbox")
}

// WorkDir returns the batch working directory root.
func (c *Config) WorkDir() string {
	return c.dataPath(c.Batch.WorkDir, "work")
}

// DeadLetterDir returns the directory for rejected packages.
func (c *Config) DeadLetterDir() string {
	return c.dataPath(c.Batch.DeadLetterDir, "dead-letter")
}

// DatabaseDSN returns the DSN, defaulting to a SQLite file in the data dir.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN == "" && (c.Database.Driver == "" || c.Database.Driver == "sqlite") {
		return filepath.Join(c.Server.DataDir, "tapevault.db")
	}
	return c.Database.DSN
}

func (c *Config) dataPath(p, fallback string) string {
	if p == "" {
		return filepath.Join(c.Server.DataDir, fallback)
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Server.DataDir, p)
}
