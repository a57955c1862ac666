// Package config provides configuration management for Parley.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Parley.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
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
// Driver "sqlite" uses Path; driver "postgres" uses the connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
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
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LLMConfig holds configuration for the completion capability used by
// server-managed agents and tool-result synthesis.
type LLMConfig struct {
	BaseURL string `mapstructure:"baseUrl"` // OpenAI-compatible endpoint; empty for api.openai.com
	APIKey  string `mapstructure:"apiKey"`
	Model   string `mapstructure:"model"`
}

// BridgeConfig holds configuration for the bridge tool surface.
type BridgeConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	WaitTimeout int    `mapstructure:"waitTimeout"` // in seconds; bridge rendezvous deadline
	ConfigBlob  string `mapstructure:"configBlob"`  // base64url endpoint config bound to this surface
}

// RuntimeConfig holds agent runtime and lifecycle configuration.
type RuntimeConfig struct {
	MaxStepsPerTurn           int    `mapstructure:"maxStepsPerTurn"`
	UserQueryTimeout          int    `mapstructure:"userQueryTimeout"`          // in seconds
	TokenDuration             int    `mapstructure:"tokenDuration"`             // in seconds
	ResurrectionLookbackHours int    `mapstructure:"resurrectionLookbackHours"` // conversations older than this stay inactive at startup
	ScenarioDir               string `mapstructure:"scenarioDir"`               // directory of scenario YAML files; empty to skip loading
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

// WaitTimeoutDuration returns the bridge wait timeout as a time.Duration.
func (b *BridgeConfig) WaitTimeoutDuration() time.Duration {
	return time.Duration(b.WaitTimeout) * time.Second
}

// UserQueryTimeoutDuration returns the user query timeout as a time.Duration.
func (r *RuntimeConfig) UserQueryTimeoutDuration() time.Duration {
	return time.Duration(r.UserQueryTimeout) * time.Second
}

// TokenDurationTime returns the agent token lifetime as a time.Duration.
func (r *RuntimeConfig) TokenDurationTime() time.Duration {
	return time.Duration(r.TokenDuration) * time.Second
}

// ResurrectionLookback returns the startup rehydration window as a time.Duration.
func (r *RuntimeConfig) ResurrectionLookback() time.Duration {
	return time.Duration(r.ResurrectionLookbackHours) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("PARLEY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./parley.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "parley")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "parley")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "parley-client")
	v.SetDefault("nats.maxReconnects", 10)

	// LLM defaults
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o")

	// Bridge defaults
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.port", 9090)
	v.SetDefault("bridge.waitTimeout", 30)
	v.SetDefault("bridge.configBlob", "")

	// Runtime defaults
	v.SetDefault("runtime.maxStepsPerTurn", 10)
	v.SetDefault("runtime.userQueryTimeout", 300)
	v.SetDefault("runtime.tokenDuration", 86400)
	v.SetDefault("runtime.resurrectionLookbackHours", 24)
	v.SetDefault("runtime.scenarioDir", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PARLEY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/parley/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("llm.baseUrl", "PARLEY_LLM_BASE_URL", "OPENAI_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "PARLEY_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("bridge.waitTimeout", "PARLEY_BRIDGE_WAIT_TIMEOUT")
	_ = v.BindEnv("bridge.configBlob", "PARLEY_BRIDGE_CONFIG_BLOB")
	_ = v.BindEnv("runtime.maxStepsPerTurn", "PARLEY_RUNTIME_MAX_STEPS_PER_TURN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/parley/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}

	if cfg.Bridge.WaitTimeout <= 0 {
		errs = append(errs, "bridge.waitTimeout must be positive")
	}

	if cfg.Runtime.MaxStepsPerTurn <= 0 {
		errs = append(errs, "runtime.maxStepsPerTurn must be positive")
	}
	if cfg.Runtime.TokenDuration <= 0 {
		errs = append(errs, "runtime.tokenDuration must be positive")
	}
	if cfg.Runtime.ResurrectionLookbackHours <= 0 {
		errs = append(errs, "runtime.resurrectionLookbackHours must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// PostgresDSN builds the postgres connection string from the database config.
func (d *DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}
