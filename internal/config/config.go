// Package config loads the drivefs configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Mount   MountConfig   `yaml:"mount"`
	Cache   CacheConfig   `yaml:"cache"`
	Sync    SyncConfig    `yaml:"sync"`
	Read    ReadConfig    `yaml:"read"`
	Write   WriteConfig   `yaml:"write"`
	Remote  RemoteConfig  `yaml:"remote"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// MountConfig represents kernel mount settings.
type MountConfig struct {
	Mountpoint string `yaml:"mountpoint"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`

	// NLinks enables accurate hardlink counts in stat results. Each
	// count is an extra edge-table scan per getattr.
	NLinks bool `yaml:"nlinks"`
}

// CacheConfig represents the metadata cache settings.
type CacheConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// SyncConfig represents background synchronization settings.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	FullOnStart bool          `yaml:"full_on_start"`
}

// ReadConfig represents read proxy settings.
type ReadConfig struct {
	FetchSizeBytes   int64 `yaml:"fetch_size_bytes"`
	MaxChunksPerNode int   `yaml:"max_chunks_per_node"`
}

// WriteConfig represents write proxy settings.
type WriteConfig struct {
	QueueDepth        int           `yaml:"queue_depth"`
	Timeout           time.Duration `yaml:"timeout"`
	UploadConcurrency int           `yaml:"upload_concurrency"`
}

// RemoteConfig represents the remote storage backend settings. Empty
// credential fields defer to the ambient AWS credential chain.
type RemoteConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig represents the metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
			LogFile:  "",
		},
		Mount: MountConfig{
			AllowOther: false,
			NLinks:     false,
		},
		Cache: CacheConfig{
			Path:     defaultCachePath(),
			PoolSize: 4,
		},
		Sync: SyncConfig{
			Interval:    60 * time.Second,
			FullOnStart: true,
		},
		Read: ReadConfig{
			FetchSizeBytes:   512 << 20,
			MaxChunksPerNode: 15,
		},
		Write: WriteConfig{
			QueueDepth:        32,
			Timeout:           60 * time.Second,
			UploadConcurrency: 16,
		},
		Remote: RemoteConfig{
			Region: "us-east-1",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/drivefs/nodes.db"
	}
	return "drivefs-nodes.db"
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies DRIVEFS_* environment variable overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DRIVEFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DRIVEFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("DRIVEFS_MOUNTPOINT"); val != "" {
		c.Mount.Mountpoint = val
	}
	if val := os.Getenv("DRIVEFS_ALLOW_OTHER"); val != "" {
		c.Mount.AllowOther = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DRIVEFS_NLINKS"); val != "" {
		c.Mount.NLinks = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DRIVEFS_CACHE_PATH"); val != "" {
		c.Cache.Path = val
	}
	if val := os.Getenv("DRIVEFS_CACHE_POOL_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.Cache.PoolSize = size
		}
	}

	if val := os.Getenv("DRIVEFS_SYNC_INTERVAL"); val != "" {
		if interval, err := time.ParseDuration(val); err == nil {
			c.Sync.Interval = interval
		}
	}

	if val := os.Getenv("DRIVEFS_REMOTE_ENDPOINT"); val != "" {
		c.Remote.Endpoint = val
	}
	if val := os.Getenv("DRIVEFS_REMOTE_REGION"); val != "" {
		c.Remote.Region = val
	}
	if val := os.Getenv("DRIVEFS_REMOTE_BUCKET"); val != "" {
		c.Remote.Bucket = val
	}
	if val := os.Getenv("DRIVEFS_REMOTE_PREFIX"); val != "" {
		c.Remote.Prefix = val
	}
	if val := os.Getenv("DRIVEFS_REMOTE_ACCESS_KEY_ID"); val != "" {
		c.Remote.AccessKeyID = val
	}
	if val := os.Getenv("DRIVEFS_REMOTE_SECRET_ACCESS_KEY"); val != "" {
		c.Remote.SecretAccessKey = val
	}

	if val := os.Getenv("DRIVEFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DRIVEFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Cache.Path == "" {
		return fmt.Errorf("cache path must not be empty")
	}
	if c.Cache.PoolSize <= 0 {
		return fmt.Errorf("cache pool_size must be greater than 0")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be greater than 0")
	}
	if c.Read.FetchSizeBytes <= 0 {
		return fmt.Errorf("read fetch_size_bytes must be greater than 0")
	}
	if c.Read.MaxChunksPerNode <= 0 {
		return fmt.Errorf("read max_chunks_per_node must be greater than 0")
	}
	if c.Write.QueueDepth <= 0 {
		return fmt.Errorf("write queue_depth must be greater than 0")
	}
	if c.Write.Timeout <= 0 {
		return fmt.Errorf("write timeout must be greater than 0")
	}
	if c.Write.UploadConcurrency <= 0 {
		return fmt.Errorf("write upload_concurrency must be greater than 0")
	}
	if c.Remote.Bucket == "" {
		return fmt.Errorf("remote bucket must not be empty")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics port must be greater than 0")
	}

	return nil
}

// LogLevel translates the configured level name for slog.
func (c *Configuration) LogLevel() (slog.Level, error) {
	switch strings.ToUpper(c.Global.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log_level: %s", c.Global.LogLevel)
}
