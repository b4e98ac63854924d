// Package config provides configuration management for the HLS ingest
// daemon using Viper. It supports configuration from files, environment
// variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultMaxSources          = 4
	defaultRingSize            = 8
	defaultURLPoolCapacity     = 256
	defaultMediaCacheCapacity  = 16
	defaultMaxURLLength        = 1024
	defaultPlaylistWorkers     = 4
	defaultDownloadWorkers     = 8
	defaultDemuxWorkers        = 2
	defaultReceiveTimeout      = 200 * time.Millisecond
	defaultDecoderSlotCapacity = 8
	defaultHTTPTimeout         = 60 * time.Second
	defaultRetryAttempts       = 3
	defaultRetryDelay          = 5 * time.Second
	defaultCircuitBreakerThreshold = 3
	defaultCircuitBreakerTimeout   = 30 * time.Second

	defaultScanInterval = 5 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds the introspection/control HTTP API configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the checkpoint-persistence database connection
// configuration (see internal/storage).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// IngestConfig holds the HLS ingest pipeline's tunable capacities and
// worker counts (C1-C9).
type IngestConfig struct {
	SourcesFile         string        `mapstructure:"sources_file"`
	MaxSources          int           `mapstructure:"max_sources"`
	RingSize            int           `mapstructure:"ring_size"`
	URLPoolCapacity     int           `mapstructure:"url_pool_capacity"`
	MediaCacheCapacity  int           `mapstructure:"media_cache_capacity"`
	MaxURLLength        int           `mapstructure:"max_url_length"`
	PlaylistWorkers     int           `mapstructure:"playlist_workers"`
	DownloadWorkers     int           `mapstructure:"download_workers"`
	DemuxWorkers        int           `mapstructure:"demux_workers"`
	ReceiveTimeout      time.Duration `mapstructure:"receive_timeout"`
	DecoderSlotCapacity int           `mapstructure:"decoder_slot_capacity"`

	HTTPTimeout             time.Duration `mapstructure:"http_timeout"`
	RetryAttempts           int           `mapstructure:"retry_attempts"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

// SchedulerConfig holds the cron-driven sources-file rescan and
// cache-stat snapshot cadence.
type SchedulerConfig struct {
	ScanInterval        time.Duration `mapstructure:"scan_interval"`
	CatchupMissedRuns   bool          `mapstructure:"catchup_missed_runs"`
	StatsSnapshotCron   string        `mapstructure:"stats_snapshot_cron"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HLSINGEST_ and use underscores
// for nesting. Example: HLSINGEST_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlsingestd")
		v.AddConfigPath("$HOME/.hlsingestd")
	}

	v.SetEnvPrefix("HLSINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure
// defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults (checkpoint persistence only, see internal/storage)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "hlsingestd.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Ingest defaults
	v.SetDefault("ingest.sources_file", "sources.txt")
	v.SetDefault("ingest.max_sources", defaultMaxSources)
	v.SetDefault("ingest.ring_size", defaultRingSize)
	v.SetDefault("ingest.url_pool_capacity", defaultURLPoolCapacity)
	v.SetDefault("ingest.media_cache_capacity", defaultMediaCacheCapacity)
	v.SetDefault("ingest.max_url_length", defaultMaxURLLength)
	v.SetDefault("ingest.playlist_workers", defaultPlaylistWorkers)
	v.SetDefault("ingest.download_workers", defaultDownloadWorkers)
	v.SetDefault("ingest.demux_workers", defaultDemuxWorkers)
	v.SetDefault("ingest.receive_timeout", defaultReceiveTimeout)
	v.SetDefault("ingest.decoder_slot_capacity", defaultDecoderSlotCapacity)
	v.SetDefault("ingest.http_timeout", defaultHTTPTimeout)
	v.SetDefault("ingest.retry_attempts", defaultRetryAttempts)
	v.SetDefault("ingest.retry_delay", defaultRetryDelay)
	v.SetDefault("ingest.circuit_breaker_threshold", defaultCircuitBreakerThreshold)
	v.SetDefault("ingest.circuit_breaker_timeout", defaultCircuitBreakerTimeout)

	// Scheduler defaults
	v.SetDefault("scheduler.scan_interval", defaultScanInterval)
	v.SetDefault("scheduler.catchup_missed_runs", true)
	v.SetDefault("scheduler.stats_snapshot_cron", "*/30 * * * * *")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Ingest.MaxSources < 1 {
		return fmt.Errorf("ingest.max_sources must be at least 1")
	}
	if c.Ingest.RingSize < 1 {
		return fmt.Errorf("ingest.ring_size must be at least 1")
	}
	if c.Ingest.PlaylistWorkers < 1 || c.Ingest.DownloadWorkers < 1 || c.Ingest.DemuxWorkers < 1 {
		return fmt.Errorf("ingest worker counts must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
