// Package config provides configuration management for the coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Recovery modes applied to in-flight runs on startup.
const (
	RecoveryNone  = "none"
	RecoveryStale = "stale"
	RecoveryAll   = "all"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// StoreConfig holds durable store configuration.
// URL selects the backend: empty or a file path means SQLite, a
// postgres:// DSN means Postgres.
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds optional NATS mirroring configuration.
// An empty URL means coordinator messages stay on the in-process bus only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// CoordinatorConfig holds run queue, registry and recovery tuning.
// All durations are in seconds.
type CoordinatorConfig struct {
	PollTimeout       int    `mapstructure:"pollTimeout"`       // long-poll duration for GET /runner/runs
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // advertised to runners at registration
	StaleThreshold    int    `mapstructure:"staleThreshold"`    // heartbeat age after which a runner is stale
	HeartbeatTimeout  int    `mapstructure:"heartbeatTimeout"`  // heartbeat age after which a runner is offline
	NoMatchTimeout    int    `mapstructure:"noMatchTimeout"`    // pending run expiry
	SweepInterval     int    `mapstructure:"sweepInterval"`     // timeout sweeper period
	RecoveryMode      string `mapstructure:"recoveryMode"`      // none, stale, all
	AgentsDir         string `mapstructure:"agentsDir"`         // blueprint seed directory
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollTimeoutDuration returns the long-poll timeout as a time.Duration.
func (c *CoordinatorConfig) PollTimeoutDuration() time.Duration {
	return time.Duration(c.PollTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (c *CoordinatorConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// StaleThresholdDuration returns the stale threshold as a time.Duration.
func (c *CoordinatorConfig) StaleThresholdDuration() time.Duration {
	return time.Duration(c.StaleThreshold) * time.Second
}

// HeartbeatTimeoutDuration returns the offline threshold as a time.Duration.
func (c *CoordinatorConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// NoMatchTimeoutDuration returns the pending-run expiry as a time.Duration.
func (c *CoordinatorConfig) NoMatchTimeoutDuration() time.Duration {
	return time.Duration(c.NoMatchTimeout) * time.Second
}

// SweepIntervalDuration returns the sweeper period as a time.Duration.
func (c *CoordinatorConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KESTREL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Write timeout must exceed the long-poll duration or dispatch
	// responses get cut off mid-wait.
	v.SetDefault("server.writeTimeout", 90)
	v.SetDefault("server.corsOrigins", []string{})

	// Store defaults - empty URL means SQLite at ./kestrel.db
	v.SetDefault("store.url", "")
	v.SetDefault("store.maxConns", 25)

	// NATS defaults - empty URL means in-process bus only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kestrel-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Coordinator defaults
	v.SetDefault("coordinator.pollTimeout", 30)
	v.SetDefault("coordinator.heartbeatInterval", 60)
	v.SetDefault("coordinator.staleThreshold", 120)
	v.SetDefault("coordinator.heartbeatTimeout", 300)
	v.SetDefault("coordinator.noMatchTimeout", 300)
	v.SetDefault("coordinator.sweepInterval", 10)
	v.SetDefault("coordinator.recoveryMode", RecoveryStale)
	v.SetDefault("coordinator.agentsDir", "./agents")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KESTREL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kestrel/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the bare env names runners and deploy scripts use.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so every
	// camelCase config key needs an explicit binding anyway.
	_ = v.BindEnv("server.corsOrigins", "CORS_ORIGINS", "KESTREL_SERVER_CORS_ORIGINS")
	_ = v.BindEnv("store.url", "STORE_URL", "KESTREL_STORE_URL")
	_ = v.BindEnv("coordinator.pollTimeout", "POLL_TIMEOUT", "KESTREL_COORDINATOR_POLL_TIMEOUT")
	_ = v.BindEnv("coordinator.heartbeatInterval", "HEARTBEAT_INTERVAL", "KESTREL_COORDINATOR_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("coordinator.heartbeatTimeout", "HEARTBEAT_TIMEOUT", "KESTREL_COORDINATOR_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("coordinator.noMatchTimeout", "NO_MATCH_TIMEOUT", "KESTREL_COORDINATOR_NO_MATCH_TIMEOUT")
	_ = v.BindEnv("coordinator.recoveryMode", "RECOVERY_MODE", "KESTREL_COORDINATOR_RECOVERY_MODE")
	_ = v.BindEnv("coordinator.agentsDir", "AGENTS_DIR", "KESTREL_COORDINATOR_AGENTS_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kestrel/")

	// Read config file (ignore if not found)
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

	if cfg.Coordinator.PollTimeout <= 0 {
		errs = append(errs, "coordinator.pollTimeout must be positive")
	}
	if cfg.Coordinator.HeartbeatInterval <= 0 {
		errs = append(errs, "coordinator.heartbeatInterval must be positive")
	}
	if cfg.Coordinator.StaleThreshold >= cfg.Coordinator.HeartbeatTimeout {
		errs = append(errs, "coordinator.staleThreshold must be below coordinator.heartbeatTimeout")
	}
	if cfg.Coordinator.NoMatchTimeout <= 0 {
		errs = append(errs, "coordinator.noMatchTimeout must be positive")
	}
	if cfg.Coordinator.SweepInterval <= 0 {
		errs = append(errs, "coordinator.sweepInterval must be positive")
	}
	switch cfg.Coordinator.RecoveryMode {
	case RecoveryNone, RecoveryStale, RecoveryAll:
	default:
		errs = append(errs, "coordinator.recoveryMode must be one of: none, stale, all")
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

// IsPostgres reports whether the store URL points at a Postgres server.
func (s *StoreConfig) IsPostgres() bool {
	return strings.HasPrefix(s.URL, "postgres://") || strings.HasPrefix(s.URL, "postgresql://")
}

// SQLitePath returns the SQLite database file path for non-Postgres URLs.
func (s *StoreConfig) SQLitePath() string {
	if s.URL == "" {
		return "./kestrel.db"
	}
	return strings.TrimPrefix(s.URL, "sqlite://")
}
