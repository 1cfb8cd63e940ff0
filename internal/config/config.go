// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Manifest  ManifestConfig  `mapstructure:"manifest"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ArchiveConfig names the upstream endpoints and the crawl seed.
type ArchiveConfig struct {
	BranchViewURL string `mapstructure:"branch_view_url"`
	RecordAPIURL  string `mapstructure:"record_api_url"`
	UserAgent     string `mapstructure:"user_agent"`
	// SeedID is the root identifier registered when the universe is empty.
	SeedID string `mapstructure:"seed_id"`
}

// RunnerConfig governs the stage worker pool and retry behavior.
type RunnerConfig struct {
	Workers          int     `mapstructure:"workers"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RPS              float64 `mapstructure:"rps"`
	Burst            int     `mapstructure:"burst"`
}

// BackoffInitial returns the initial retry backoff.
func (c RunnerConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff cap.
func (c RunnerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// ReconcileConfig caps the pass loop.
type ReconcileConfig struct {
	MaxPasses int    `mapstructure:"max_passes"`
	Topic     string `mapstructure:"topic"`
}

// HeadlessConfig configures the snapshot rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs int  `mapstructure:"settle_delay_ms"`
}

// NavTimeout returns the navigation timeout.
func (c HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// SettleDelay returns the post-load settle delay.
func (c HeadlessConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// ManifestConfig selects and configures the manifest backend.
type ManifestConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string `mapstructure:"backend"`
	// Path locates the sqlite database file.
	Path string `mapstructure:"path"`
	// DSN connects the postgres backend.
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// StorageConfig selects and configures the artifact blob store.
type StorageConfig struct {
	// Backend is one of "memory", "local", "gcs".
	Backend        string `mapstructure:"backend"`
	BaseDir        string `mapstructure:"base_dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	SnapshotPrefix string `mapstructure:"snapshot_prefix"`
	LinksPrefix    string `mapstructure:"links_prefix"`
	RecordPrefix   string `mapstructure:"record_prefix"`
	DocumentPrefix string `mapstructure:"document_prefix"`
}

// PubSubConfig holds metadata for pass event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// SnapshotConfig locates the text listing export directory.
type SnapshotConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ZKARCHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("archive.branch_view_url", "https://assets.niklas-luhmann-archiv.de/branchview")
	v.SetDefault("archive.record_api_url", "https://v0.api.niklas-luhmann-archiv.de/ZK/zettel")
	v.SetDefault("archive.user_agent", "zkarchive-bot/0.1")
	v.SetDefault("archive.seed_id", "ZK_1_NB_1")
	v.SetDefault("runner.workers", 4)
	v.SetDefault("runner.max_attempts", 3)
	v.SetDefault("runner.backoff_initial_ms", 250)
	v.SetDefault("runner.backoff_max_ms", 5000)
	v.SetDefault("runner.rps", 2.0)
	v.SetDefault("runner.burst", 1)
	v.SetDefault("reconcile.max_passes", 10)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("manifest.backend", "sqlite")
	v.SetDefault("manifest.path", "manifest.db")
	v.SetDefault("manifest.max_conns", 4)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "artifacts")
	v.SetDefault("storage.snapshot_prefix", "snapshots")
	v.SetDefault("storage.links_prefix", "links")
	v.SetDefault("storage.record_prefix", "records")
	v.SetDefault("storage.document_prefix", "documents")
	v.SetDefault("snapshot.dir", "listings")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Runner.Workers <= 0 {
		return fmt.Errorf("runner.workers must be > 0")
	}
	if c.Runner.MaxAttempts <= 0 {
		return fmt.Errorf("runner.max_attempts must be > 0")
	}
	if c.Archive.RecordAPIURL == "" {
		return fmt.Errorf("archive.record_api_url is required")
	}
	switch c.Manifest.Backend {
	case "memory":
	case "sqlite":
		if c.Manifest.Path == "" {
			return fmt.Errorf("manifest.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Manifest.DSN == "" {
			return fmt.Errorf("manifest.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("manifest.backend must be one of memory, sqlite, postgres")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Reconcile.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when reconcile.topic is set")
	}
	return nil
}
