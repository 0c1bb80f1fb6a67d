// Package config provides configuration management for the control plane.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Build    BuildConfig    `mapstructure:"build"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds event-store configuration. When Host is empty the
// control plane uses the embedded SQLite store at SQLitePath.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds broadcast-bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds boundary-auth configuration. The core consumes an
// already-validated caller identity; these settings only cover the runner
// bearer and the local development mode.
type AuthConfig struct {
	// RunnerSharedSecret is the legacy shared bearer for runners without a
	// provisioned runner key. Optional.
	RunnerSharedSecret string `mapstructure:"runnerSharedSecret"`
	// LocalMode skips user-scoped auth and attributes all actions to DevUserID.
	LocalMode bool   `mapstructure:"localMode"`
	DevUserID string `mapstructure:"devUserId"`
}

// BuildConfig holds session and transport lifecycle tuning.
type BuildConfig struct {
	DefaultAgentID    string `mapstructure:"defaultAgentId"`
	DefaultModelID    string `mapstructure:"defaultModelId"`
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // seconds, runner transport
	CancelGrace       int    `mapstructure:"cancelGrace"`       // seconds until forced cancelled
	OrphanResume      int    `mapstructure:"orphanResume"`      // seconds an orphaned session stays resumable
	AckTimeout        int    `mapstructure:"ackTimeout"`        // seconds until a dispatched command is re-queued
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds optional OpenTelemetry export configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP/HTTP endpoint host:port
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the runner heartbeat interval.
func (b *BuildConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(b.HeartbeatInterval) * time.Second
}

// CancelGraceDuration returns the cancel grace timer.
func (b *BuildConfig) CancelGraceDuration() time.Duration {
	return time.Duration(b.CancelGrace) * time.Second
}

// OrphanResumeDuration returns the orphaned-session resume window.
func (b *BuildConfig) OrphanResumeDuration() time.Duration {
	return time.Duration(b.OrphanResume) * time.Second
}

// AckTimeoutDuration returns the command-ack timeout.
func (b *BuildConfig) AckTimeoutDuration() time.Duration {
	return time.Duration(b.AckTimeout) * time.Second
}

// UsePostgres reports whether a Postgres event store is configured.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" for production-looking
// environments and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SENTRYVIBE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means embedded SQLite
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sentryvibe")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sentryvibe")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "./sentryvibe.db")

	// NATS defaults - empty URL means use in-memory broadcast bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("auth.runnerSharedSecret", "")
	v.SetDefault("auth.localMode", false)
	v.SetDefault("auth.devUserId", "dev-user")

	v.SetDefault("build.defaultAgentId", "claude-code")
	v.SetDefault("build.defaultModelId", "")
	v.SetDefault("build.heartbeatInterval", 15)
	v.SetDefault("build.cancelGrace", 60)
	v.SetDefault("build.orphanResume", 600)
	v.SetDefault("build.ackTimeout", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix SENTRYVIBE_ with
// snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SENTRYVIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat env names that predate the prefixed scheme. AutomaticEnv does
	// not cover them, so bind explicitly.
	_ = v.BindEnv("auth.runnerSharedSecret", "RUNNER_SHARED_SECRET", "SENTRYVIBE_AUTH_RUNNER_SHARED_SECRET")
	_ = v.BindEnv("auth.localMode", "LOCAL_MODE", "SENTRYVIBE_AUTH_LOCAL_MODE")
	_ = v.BindEnv("database.sqlitePath", "SENTRYVIBE_DB_PATH", "SENTRYVIBE_DATABASE_SQLITE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sentryvibe/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	} else if cfg.Database.SQLitePath == "" {
		errs = append(errs, "database.sqlitePath is required when database.host is empty")
	}

	if cfg.Build.HeartbeatInterval <= 0 {
		errs = append(errs, "build.heartbeatInterval must be positive")
	}
	if cfg.Build.CancelGrace <= 0 {
		errs = append(errs, "build.cancelGrace must be positive")
	}
	if cfg.Build.OrphanResume <= 0 {
		errs = append(errs, "build.orphanResume must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
