// ABOUTME: Configuration loading and parsing for desk-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Event bus drivers.
const (
	BusMemory = "memory"
	BusAMQP   = "amqp"
)

// Config represents the complete desk-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	EventBus  EventBusConfig  `yaml:"eventbus" toml:"eventbus"`
	Sweeper   SweeperConfig   `yaml:"sweeper" toml:"sweeper"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// ServerConfig holds listener addresses. An empty GRPCAddr disables the
// gRPC health endpoint.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig selects and configures the conversation store
type DatabaseConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	Path          string `yaml:"path" toml:"path"`
	DSN           string `yaml:"dsn" toml:"dsn"`
	MaxConns      int32  `yaml:"max_conns" toml:"max_conns"`
	MongoURI      string `yaml:"mongo_uri" toml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database" toml:"mongo_database"`
}

// EventBusConfig selects the change-event transport
type EventBusConfig struct {
	Driver        string        `yaml:"driver" toml:"driver"`
	URL           string        `yaml:"url" toml:"url"`
	Exchange      string        `yaml:"exchange" toml:"exchange"`
	RetryAttempts int           `yaml:"retry_attempts" toml:"retry_attempts"`
	Prefetch      int           `yaml:"prefetch" toml:"prefetch"`
	RetryDelay    time.Duration `yaml:"-" toml:"-"`

	RetryDelayRaw string `yaml:"retry_delay" toml:"retry_delay"`
}

// SweeperConfig holds abandonment thresholds. Zero values fall back to the
// sweeper's defaults.
type SweeperConfig struct {
	Interval     time.Duration `yaml:"-" toml:"-"`
	WaitingAfter time.Duration `yaml:"-" toml:"-"`
	ActiveAfter  time.Duration `yaml:"-" toml:"-"`
	WarnAfter    time.Duration `yaml:"-" toml:"-"`
	MaxWarnings  int           `yaml:"max_warnings" toml:"max_warnings"`
	BatchSize    int           `yaml:"batch_size" toml:"batch_size"`

	// Raw string values for unmarshaling
	IntervalRaw     string `yaml:"interval" toml:"interval"`
	WaitingAfterRaw string `yaml:"waiting_after" toml:"waiting_after"`
	ActiveAfterRaw  string `yaml:"active_after" toml:"active_after"`
	WarnAfterRaw    string `yaml:"warn_after" toml:"warn_after"`
}

// RealtimeConfig tunes duplicate suppression in the realtime dispatcher
type RealtimeConfig struct {
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`
	DedupeSize int           `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration bytes, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config file to use when none is given:
// $DESK_CONFIG, then ./config.yaml, then $XDG_CONFIG_HOME/desk/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("DESK_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "desk", "gateway.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("DESK_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.EventBus.Driver == "" {
		cfg.EventBus.Driver = BusMemory
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale serves the API
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverMongo:
		if c.Database.MongoURI == "" || c.Database.MongoDatabase == "" {
			return fmt.Errorf("database.mongo_uri and database.mongo_database are required for the mongo driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, mongo", c.Database.Driver)
	}

	switch c.EventBus.Driver {
	case BusMemory:
	case BusAMQP:
		if c.EventBus.URL == "" {
			return fmt.Errorf("eventbus.url is required for the amqp driver")
		}
	default:
		return fmt.Errorf("eventbus.driver %q is not one of memory, amqp", c.EventBus.Driver)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Sweeper.MaxWarnings < 0 || c.Sweeper.BatchSize < 0 {
		return fmt.Errorf("sweeper.max_warnings and sweeper.batch_size must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"eventbus.retry_delay", cfg.EventBus.RetryDelayRaw, &cfg.EventBus.RetryDelay},
		{"sweeper.interval", cfg.Sweeper.IntervalRaw, &cfg.Sweeper.Interval},
		{"sweeper.waiting_after", cfg.Sweeper.WaitingAfterRaw, &cfg.Sweeper.WaitingAfter},
		{"sweeper.active_after", cfg.Sweeper.ActiveAfterRaw, &cfg.Sweeper.ActiveAfter},
		{"sweeper.warn_after", cfg.Sweeper.WarnAfterRaw, &cfg.Sweeper.WarnAfter},
		{"realtime.dedupe_ttl", cfg.Realtime.DedupeTTLRaw, &cfg.Realtime.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
