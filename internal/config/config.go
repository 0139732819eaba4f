// ABOUTME: Configuration loading and parsing for parley-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-hub configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server identity and address configuration
type ServerConfig struct {
	Name     string `yaml:"name"`
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds bearer-token authentication configuration
type AuthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TokenSecret string `yaml:"token_secret"`
}

// AgentsConfig holds agent liveness timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	OfflineAfter      time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`
	PruneAfter        time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	OfflineAfterRaw      string `yaml:"offline_after"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
	PruneAfterRaw        string `yaml:"prune_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in the fields a minimal config file may omit.
func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "parley-hub"
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = 30 * time.Second
	}
	if c.Agents.OfflineAfter == 0 {
		c.Agents.OfflineAfter = 90 * time.Second
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = 30 * time.Second
	}
	if c.Agents.PruneAfter == 0 {
		c.Agents.PruneAfter = 24 * time.Hour
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "color"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.Enabled && c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required when auth is enabled")
	}

	if c.Agents.OfflineAfter <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.offline_after must exceed agents.heartbeat_interval")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.HeartbeatIntervalRaw != "" {
		cfg.Agents.HeartbeatInterval, err = time.ParseDuration(cfg.Agents.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Agents.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Agents.OfflineAfterRaw != "" {
		cfg.Agents.OfflineAfter, err = time.ParseDuration(cfg.Agents.OfflineAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing offline_after %q: %w", cfg.Agents.OfflineAfterRaw, err)
		}
	}

	if cfg.Agents.SweepIntervalRaw != "" {
		cfg.Agents.SweepInterval, err = time.ParseDuration(cfg.Agents.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Agents.SweepIntervalRaw, err)
		}
	}

	if cfg.Agents.PruneAfterRaw != "" {
		cfg.Agents.PruneAfter, err = time.ParseDuration(cfg.Agents.PruneAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing prune_after %q: %w", cfg.Agents.PruneAfterRaw, err)
		}
	}

	return nil
}
