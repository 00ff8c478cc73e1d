package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	// TESTOOR_DATABASE_SQLITE_PATH overrides database.sqlite.path.
	EnvPrefix = "TESTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./data/testoor.db"

	// DefaultBusyTimeout bounds how long a connection waits on a lock.
	DefaultBusyTimeout = "5s"

	// DefaultHeartbeatInterval is the real-time ping interval.
	DefaultHeartbeatInterval = "25s"

	// DefaultRecentRuns is the number of runs in the welcome snapshot.
	DefaultRecentRuns = 10

	// DefaultSendBuffer is the per-session outbound queue length.
	DefaultSendBuffer = 256

	// DefaultDrainTimeout bounds session deregistration on shutdown.
	DefaultDrainTimeout = "5s"

	// DefaultFlakyThreshold is the default failure ratio for flaky tests.
	DefaultFlakyThreshold = 0.1

	// DefaultBackupDir is the default directory for database backups.
	DefaultBackupDir = "./data/backups"

	// DefaultBackupInterval is the default interval between backups.
	DefaultBackupInterval = "24h"

	// DefaultMaxBackups is the number of backup files kept on disk.
	DefaultMaxBackups = 7

	// DefaultOptimizeInterval is the default vacuum/analyze interval.
	DefaultOptimizeInterval = "6h"

	// DefaultVacuumThreshold is the free-page ratio that triggers VACUUM.
	DefaultVacuumThreshold = 0.1

	// DefaultCleanupInterval is the default retention cleanup interval.
	DefaultCleanupInterval = "1h"

	// DefaultRetentionDays is the default history retention.
	DefaultRetentionDays = 30
)

// Config is the root configuration for testoor.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Auth        AuthConfig        `yaml:"auth" mapstructure:"auth"`
	Realtime    RealtimeConfig    `yaml:"realtime" mapstructure:"realtime"`
	Analytics   AnalyticsConfig   `yaml:"analytics" mapstructure:"analytics"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path        string `yaml:"path" mapstructure:"path"`
	WAL         bool   `yaml:"wal" mapstructure:"wal"`
	BusyTimeout string `yaml:"busy_timeout,omitempty" mapstructure:"busy_timeout"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`

	// ScreenshotDirs are roots that relative screenshot paths resolve
	// against. Empty disables screenshot file serving.
	ScreenshotDirs []string `yaml:"screenshot_dirs,omitempty" mapstructure:"screenshot_dirs"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
	Write   RateLimitTier `yaml:"write,omitempty" mapstructure:"write"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig protects mutating and ingestion endpoints. When
// WriteTokenHash is empty every endpoint is open.
type AuthConfig struct {
	WriteTokenHash string `yaml:"write_token_hash,omitempty" mapstructure:"write_token_hash"`
}

// RealtimeConfig contains settings for dashboard sessions.
type RealtimeConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	RecentRuns        int    `yaml:"recent_runs" mapstructure:"recent_runs"`
	SendBuffer        int    `yaml:"send_buffer" mapstructure:"send_buffer"`
	DrainTimeout      string `yaml:"drain_timeout" mapstructure:"drain_timeout"`
}

// AnalyticsConfig contains analytics defaults.
type AnalyticsConfig struct {
	FlakyThreshold float64 `yaml:"flaky_threshold" mapstructure:"flaky_threshold"`
}

// MaintenanceConfig configures periodic database maintenance.
type MaintenanceConfig struct {
	Enabled          bool           `yaml:"enabled" mapstructure:"enabled"`
	BackupDir        string         `yaml:"backup_dir" mapstructure:"backup_dir"`
	BackupInterval   string         `yaml:"backup_interval" mapstructure:"backup_interval"`
	MaxBackups       int            `yaml:"max_backups" mapstructure:"max_backups"`
	OptimizeInterval string         `yaml:"optimize_interval" mapstructure:"optimize_interval"`
	VacuumThreshold  float64        `yaml:"vacuum_threshold" mapstructure:"vacuum_threshold"`
	CleanupInterval  string         `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	RetentionDays    int            `yaml:"retention_days" mapstructure:"retention_days"`
	TaskTimeout      string         `yaml:"task_timeout,omitempty" mapstructure:"task_timeout"`
	Upload           S3UploadConfig `yaml:"upload,omitempty" mapstructure:"upload"`
}

// S3UploadConfig configures off-site copies of database backups.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// Load reads a configuration file and applies TESTOOR_* environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key so environment overrides apply even
// when the file omits a section.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.sqlite.wal", true)
	v.SetDefault("database.sqlite.busy_timeout", DefaultBusyTimeout)
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.screenshot_dirs", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.public.requests_per_minute", 600)
	v.SetDefault("server.rate_limit.write.requests_per_minute", 6000)

	v.SetDefault("auth.write_token_hash", "")

	v.SetDefault("realtime.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("realtime.recent_runs", DefaultRecentRuns)
	v.SetDefault("realtime.send_buffer", DefaultSendBuffer)
	v.SetDefault("realtime.drain_timeout", DefaultDrainTimeout)

	v.SetDefault("analytics.flaky_threshold", DefaultFlakyThreshold)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.backup_dir", DefaultBackupDir)
	v.SetDefault("maintenance.backup_interval", DefaultBackupInterval)
	v.SetDefault("maintenance.max_backups", DefaultMaxBackups)
	v.SetDefault("maintenance.optimize_interval", DefaultOptimizeInterval)
	v.SetDefault("maintenance.vacuum_threshold", DefaultVacuumThreshold)
	v.SetDefault("maintenance.cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("maintenance.retention_days", DefaultRetentionDays)
	v.SetDefault("maintenance.task_timeout", "")
	v.SetDefault("maintenance.upload.enabled", false)
	v.SetDefault("maintenance.upload.endpoint_url", "")
	v.SetDefault("maintenance.upload.region", "")
	v.SetDefault("maintenance.upload.bucket", "")
	v.SetDefault("maintenance.upload.prefix", "")
	v.SetDefault("maintenance.upload.access_key_id", "")
	v.SetDefault("maintenance.upload.secret_access_key", "")
	v.SetDefault("maintenance.upload.force_path_style", false)
	v.SetDefault("maintenance.upload.storage_class", "")
	v.SetDefault("maintenance.upload.acl", "")
}

// applyDefaults fills values that decode to zero even though viper had a
// default, e.g. an explicit empty string in the file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.SQLite.BusyTimeout == "" {
		c.Database.SQLite.BusyTimeout = DefaultBusyTimeout
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Realtime.HeartbeatInterval == "" {
		c.Realtime.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Realtime.RecentRuns <= 0 {
		c.Realtime.RecentRuns = DefaultRecentRuns
	}

	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = DefaultSendBuffer
	}

	if c.Realtime.DrainTimeout == "" {
		c.Realtime.DrainTimeout = DefaultDrainTimeout
	}

	if c.Analytics.FlakyThreshold == 0 {
		c.Analytics.FlakyThreshold = DefaultFlakyThreshold
	}

	if c.Maintenance.BackupDir == "" {
		c.Maintenance.BackupDir = DefaultBackupDir
	}

	if c.Maintenance.VacuumThreshold == 0 {
		c.Maintenance.VacuumThreshold = DefaultVacuumThreshold
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database.postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	durations := map[string]string{
		"database.sqlite.busy_timeout":  c.Database.SQLite.BusyTimeout,
		"realtime.heartbeat_interval":   c.Realtime.HeartbeatInterval,
		"realtime.drain_timeout":        c.Realtime.DrainTimeout,
		"maintenance.backup_interval":   c.Maintenance.BackupInterval,
		"maintenance.optimize_interval": c.Maintenance.OptimizeInterval,
		"maintenance.cleanup_interval":  c.Maintenance.CleanupInterval,
		"maintenance.task_timeout":      c.Maintenance.TaskTimeout,
	}

	for key, value := range durations {
		if value == "" {
			continue
		}

		if d, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		} else if d < 0 {
			return fmt.Errorf("%s: must not be negative", key)
		}
	}

	if c.Analytics.FlakyThreshold <= 0 || c.Analytics.FlakyThreshold > 1 {
		return fmt.Errorf("analytics.flaky_threshold must be in (0, 1]")
	}

	if c.Maintenance.RetentionDays < 0 {
		return fmt.Errorf("maintenance.retention_days must not be negative")
	}

	if c.Maintenance.MaxBackups < 0 {
		return fmt.Errorf("maintenance.max_backups must not be negative")
	}

	if c.Maintenance.VacuumThreshold < 0 || c.Maintenance.VacuumThreshold > 1 {
		return fmt.Errorf("maintenance.vacuum_threshold must be in [0, 1]")
	}

	if c.Maintenance.Upload.Enabled && c.Maintenance.Upload.Bucket == "" {
		return fmt.Errorf("maintenance.upload.bucket is required when upload is enabled")
	}

	if c.Auth.WriteTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Auth.WriteTokenHash)); err != nil {
			return fmt.Errorf("auth.write_token_hash is not a bcrypt hash: %w", err)
		}
	}

	return nil
}

// Duration parses a validated duration string, returning def for an
// empty or unparsable value.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}

	return d
}
