// Package config provides YAML-based configuration loading for chunkyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level chunkyard configuration, loaded from chunkyard.yaml.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Storage   StorageConfig   `yaml:"storage"`
	Splitter  SplitterConfig  `yaml:"splitter"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Merge     MergeConfig     `yaml:"merge"`
	Retention RetentionConfig `yaml:"retention"`
	Download  DownloadConfig  `yaml:"download"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig selects and configures the job status store.
type StoreConfig struct {
	Backend  string         `yaml:"backend"` // redis | db
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
}

// RedisConfig holds connection settings for the Redis status store.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig holds connection settings for the SQL status store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // mysql | sqlite
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Name   string `yaml:"name"`
	Path   string `yaml:"path"` // sqlite file
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Backend string `yaml:"backend"` // fs | gcs
	Root    string `yaml:"root"`
	Bucket  string `yaml:"bucket"`
}

// SplitterConfig points at the external splitting service.
type SplitterConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// FleetConfig describes the managed worker instance group.
type FleetConfig struct {
	Group       string        `yaml:"group"`
	Zone        string        `yaml:"zone"`
	MaxSize     int           `yaml:"max_size"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// MonitorConfig tunes the per-job polling loops.
type MonitorConfig struct {
	SplitPollInterval time.Duration `yaml:"split_poll_interval"`
	ChunkPollInterval time.Duration `yaml:"chunk_poll_interval"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	JobDeadline       time.Duration `yaml:"job_deadline"`
	CheckConcurrency  int           `yaml:"check_concurrency"`
	SweepSchedule     string        `yaml:"sweep_schedule"`
	MaxChunks         int           `yaml:"max_chunks"`
	DefaultChunks     int           `yaml:"default_chunks"`
}

// MergeConfig bounds the merger's per-chunk retries.
type MergeConfig struct {
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// RetentionConfig sets how long job records are kept.
type RetentionConfig struct {
	Active time.Duration `yaml:"active"`
	Done   time.Duration `yaml:"done"`
}

// DownloadConfig controls download reference issuance.
type DownloadConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	BaseURL string        `yaml:"base_url"`
	// SignedURLTTL bounds the signed URL a redeemed token redirects to.
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port      int   `yaml:"port"`
	MaxUpload int64 `yaml:"max_upload"`
}

// LogConfig selects the log encoder and level.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides deployment-specific settings from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("REDIS_HOST"); v != "" {
		c.Store.Redis.Host = v
	}
	if v := getenv("GCS_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := getenv("SPLITTER_URL"); v != "" {
		c.Splitter.URL = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "redis"
	}
	if c.Store.Redis.Host == "" {
		c.Store.Redis.Host = "redis"
	}
	if c.Store.Redis.Port == 0 {
		c.Store.Redis.Port = 6379
	}
	db := &c.Store.Database
	if db.Driver == "" {
		db.Driver = "sqlite"
	}
	if db.Driver == "mysql" {
		if db.Host == "" {
			db.Host = "127.0.0.1"
		}
		if db.Port == 0 {
			db.Port = 3306
		}
		if db.User == "" {
			db.User = "root"
		}
		if db.Name == "" {
			db.Name = "chunkyard"
		}
	}
	if db.Driver == "sqlite" && db.Path == "" {
		db.Path = "chunkyard.db"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "gcs"
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		c.Storage.Bucket = "email-verifier-bucket"
	}
	if c.Storage.Backend == "fs" && c.Storage.Root == "" {
		c.Storage.Root = "data"
	}

	if c.Splitter.Timeout == 0 {
		c.Splitter.Timeout = 30 * time.Second
	}

	if c.Fleet.Zone == "" {
		c.Fleet.Zone = "us-central1-a"
	}
	if c.Fleet.MaxSize == 0 {
		c.Fleet.MaxSize = 100
	}
	if c.Fleet.MinInterval == 0 {
		c.Fleet.MinInterval = 10 * time.Second
	}

	m := &c.Monitor
	if m.SplitPollInterval == 0 {
		m.SplitPollInterval = 5 * time.Second
	}
	if m.ChunkPollInterval == 0 {
		m.ChunkPollInterval = 10 * time.Second
	}
	if m.GracePeriod == 0 {
		m.GracePeriod = 60 * time.Second
	}
	if m.JobDeadline == 0 {
		m.JobDeadline = 24 * time.Hour
	}
	if m.CheckConcurrency == 0 {
		m.CheckConcurrency = 16
	}
	if m.SweepSchedule == "" {
		m.SweepSchedule = "@every 1m"
	}
	if m.MaxChunks == 0 {
		m.MaxChunks = 1000
	}
	if m.DefaultChunks == 0 {
		m.DefaultChunks = 50
	}

	if c.Merge.RetryDelay == 0 {
		c.Merge.RetryDelay = 2 * time.Second
	}
	if c.Merge.MaxAttempts == 0 {
		c.Merge.MaxAttempts = 5
	}

	if c.Retention.Active == 0 {
		c.Retention.Active = 7 * 24 * time.Hour
	}
	if c.Retention.Done == 0 {
		c.Retention.Done = 30 * 24 * time.Hour
	}

	if c.Download.TTL == 0 {
		c.Download.TTL = 15 * time.Minute
	}
	if c.Download.SignedURLTTL == 0 {
		c.Download.SignedURLTTL = time.Minute
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUpload == 0 {
		c.Server.MaxUpload = 512 << 20
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Store.Backend {
	case "redis", "db":
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q must be redis or db", c.Store.Backend))
	}
	if c.Store.Backend == "db" {
		switch c.Store.Database.Driver {
		case "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("store.database.driver %q must be mysql or sqlite", c.Store.Database.Driver))
		}
	}
	switch c.Storage.Backend {
	case "fs", "gcs":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q must be fs or gcs", c.Storage.Backend))
	}
	if c.Fleet.MaxSize < 0 {
		errs = append(errs, "fleet.max_size must be non-negative")
	}
	if c.Monitor.DefaultChunks > c.Monitor.MaxChunks {
		errs = append(errs, "monitor.default_chunks exceeds monitor.max_chunks")
	}
	if c.Merge.MaxAttempts < 1 {
		errs = append(errs, "merge.max_attempts must be at least 1")
	}
	if c.Retention.Done < c.Retention.Active {
		errs = append(errs, "retention.done must not be shorter than retention.active")
	}
	if _, err := cron.ParseStandard(c.Monitor.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("monitor.sweep_schedule %q: %v", c.Monitor.SweepSchedule, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
