// ABOUTME: Configuration loading and parsing for the hexalink controller
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Single-flight policies for a bundle arriving while another is executing.
const (
	SingleFlightQueue  = "queue"
	SingleFlightReject = "reject"
)

// Config represents the complete hexalink controller configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds execution policy configuration pushed to agents
type AgentsConfig struct {
	StepTimeout time.Duration `yaml:"-"`

	// SingleFlight decides what happens to a bundle dispatched while the
	// agent is still executing a previous one: "queue" serializes, "reject"
	// fails the new bundle immediately.
	SingleFlight string `yaml:"single_flight"`

	// Raw string value for YAML unmarshaling
	StepTimeoutRaw string `yaml:"step_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

	applyDefaults(&cfg)

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

// applyDefaults fills in optional fields that were left unset.
func applyDefaults(cfg *Config) {
	if cfg.Agents.SingleFlight == "" {
		cfg.Agents.SingleFlight = SingleFlightQueue
	}
	if cfg.Agents.StepTimeout == 0 {
		cfg.Agents.StepTimeout = 5 * time.Minute
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

	if c.Agents.SingleFlight != SingleFlightQueue && c.Agents.SingleFlight != SingleFlightReject {
		return fmt.Errorf("agents.single_flight must be %q or %q, got %q",
			SingleFlightQueue, SingleFlightReject, c.Agents.SingleFlight)
	}

	if c.Agents.StepTimeout < 0 {
		return fmt.Errorf("agents.step_timeout must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.StepTimeoutRaw != "" {
		cfg.Agents.StepTimeout, err = time.ParseDuration(cfg.Agents.StepTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing step_timeout %q: %w", cfg.Agents.StepTimeoutRaw, err)
		}
	}

	return nil
}
