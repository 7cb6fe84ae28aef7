// Package config provides configuration management for the control plane.
// It supports loading configuration from environment variables, config files, and defaults.
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
	Events   EventsConfig   `mapstructure:"events"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// No component reads this value at present.
	Namespace string `mapstructure:"namespace"`
}

// RedisConfig holds connection settings for the Redis-backed token store.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// AgentsConfig holds the agent-protocol tunables listed in the control
// plane's configuration table: chunk sizes, token TTLs, queue caps, and
// default command timeouts.
type AgentsConfig struct {
	ChunkSizeBytes       int         `mapstructure:"chunkSizeBytes"`
	MaxFileSizeBytes     int64       `mapstructure:"maxFileSizeBytes"`
	StreamTokenTTLS      int         `mapstructure:"streamTokenTtlS"`
	TerminalTokenTTLS    int         `mapstructure:"terminalTokenTtlS"`
	MaxStreamsPerAgent   int         `mapstructure:"maxStreamsPerAgent"`
	HeartbeatGraceHours  int         `mapstructure:"heartbeatGraceHours"`
	CmdDefaultTimeoutS   int         `mapstructure:"cmdDefaultTimeoutS"`
	TransferTimeoutS     int         `mapstructure:"transferTimeoutS"`
	SleepQueueCap        int         `mapstructure:"sleepQueueCap"`
	TokenSweepIntervalS  int         `mapstructure:"tokenSweepIntervalS"`
	TerminalPollInterval int         `mapstructure:"terminalPollIntervalMs"`
	Redis                RedisConfig `mapstructure:"redis"`
}

// RelayConfig holds master-relay tunables.
type RelayConfig struct {
	TimeoutS int `mapstructure:"timeoutS"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
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

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// StreamTokenTTL returns the stream session token lifetime as a time.Duration.
func (a *AgentsConfig) StreamTokenTTL() time.Duration {
	return time.Duration(a.StreamTokenTTLS) * time.Second
}

// TerminalTokenTTL returns the terminal session token lifetime as a time.Duration.
func (a *AgentsConfig) TerminalTokenTTL() time.Duration {
	return time.Duration(a.TerminalTokenTTLS) * time.Second
}

// CmdDefaultTimeout returns the default sendCommand timeout as a time.Duration.
func (a *AgentsConfig) CmdDefaultTimeout() time.Duration {
	return time.Duration(a.CmdDefaultTimeoutS) * time.Second
}

// TransferTimeout returns the whole-transfer timeout as a time.Duration.
func (a *AgentsConfig) TransferTimeout() time.Duration {
	return time.Duration(a.TransferTimeoutS) * time.Second
}

// TokenSweepInterval returns the background token-sweep cadence.
func (a *AgentsConfig) TokenSweepInterval() time.Duration {
	return time.Duration(a.TokenSweepIntervalS) * time.Second
}

// HeartbeatGrace returns the tolerated silence window before an agent is
// considered lost for policy purposes.
func (a *AgentsConfig) HeartbeatGrace() time.Duration {
	return time.Duration(a.HeartbeatGraceHours) * time.Hour
}

// RelayTimeout returns the master-relay round trip timeout.
func (r *RelayConfig) RelayTimeout() time.Duration {
	return time.Duration(r.TimeoutS) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONTROLPLANE_ENV"); env == "production" || env == "prod" {
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

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "controlplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "controlplane")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "controlplane-cluster")
	v.SetDefault("nats.clientId", "controlplane-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	// Agent protocol defaults - spec.md §6 Configuration table.
	v.SetDefault("agents.chunkSizeBytes", 262144)
	v.SetDefault("agents.maxFileSizeBytes", int64(1)<<30)
	v.SetDefault("agents.streamTokenTtlS", 300)
	v.SetDefault("agents.terminalTokenTtlS", 300)
	v.SetDefault("agents.maxStreamsPerAgent", 3)
	v.SetDefault("agents.heartbeatGraceHours", 72)
	v.SetDefault("agents.cmdDefaultTimeoutS", 30)
	v.SetDefault("agents.transferTimeoutS", 1800)
	v.SetDefault("agents.sleepQueueCap", 64)
	v.SetDefault("agents.tokenSweepIntervalS", 60)
	v.SetDefault("agents.terminalPollIntervalMs", 100)
	v.SetDefault("agents.redis.addr", "")
	v.SetDefault("agents.redis.db", 0)

	v.SetDefault("relay.timeoutS", 120)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONTROLPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/controlplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONTROLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "CONTROLPLANE_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "CONTROLPLANE_EVENTS_NAMESPACE")
	_ = v.BindEnv("agents.redis.addr", "CONTROLPLANE_REDIS_ADDR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/controlplane/")

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

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Agents.ChunkSizeBytes <= 0 {
		errs = append(errs, "agents.chunkSizeBytes must be positive")
	}
	if cfg.Agents.MaxStreamsPerAgent <= 0 {
		errs = append(errs, "agents.maxStreamsPerAgent must be positive")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, users should set CONTROLPLANE_AUTH_JWTSECRET.
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
