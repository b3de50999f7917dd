// ABOUTME: Configuration loading and parsing for handoff-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete handoff-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Booking   BookingConfig   `yaml:"booking"`
	Bot       BotConfig       `yaml:"bot"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds relay database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BookingConfig holds the booking database used for bot answers
type BookingConfig struct {
	Path string `yaml:"path"`
	Seed bool   `yaml:"seed"` // populate sample data on startup
}

// BotConfig holds the external bot decision endpoint configuration.
// When Endpoint is empty, the built-in booking responder answers instead.
type BotConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// BusConfig selects the event bus backend
type BusConfig struct {
	Backend string      `yaml:"backend"` // "memory", "redis", or "amqp"
	Redis   RedisConfig `yaml:"redis"`
	AMQP    AMQPConfig  `yaml:"amqp"`
}

// RedisConfig holds Redis pub/sub configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AMQPConfig holds RabbitMQ configuration
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
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

// applyDefaults fills in values the file may omit
func applyDefaults(cfg *Config) {
	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = "memory"
	}
	if cfg.Bus.AMQP.Exchange == "" {
		cfg.Bus.AMQP.Exchange = "handoff.events"
	}
	if cfg.Bot.Timeout == 0 {
		cfg.Bot.Timeout = 10 * time.Second
	}
	if cfg.Bot.MaxRetries == 0 {
		cfg.Bot.MaxRetries = 3
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.Redis.Addr == "" {
			return fmt.Errorf("bus.redis.addr is required when bus.backend is redis")
		}
	case "amqp":
		if c.Bus.AMQP.URL == "" {
			return fmt.Errorf("bus.amqp.url is required when bus.backend is amqp")
		}
	default:
		return fmt.Errorf("bus.backend must be memory, redis, or amqp (got %q)", c.Bus.Backend)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bot.TimeoutRaw != "" {
		cfg.Bot.Timeout, err = time.ParseDuration(cfg.Bot.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing bot.timeout %q: %w", cfg.Bot.TimeoutRaw, err)
		}
	}

	return nil
}
