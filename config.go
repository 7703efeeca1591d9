package dauro

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models a dauro deployment file. It is declarative: it names the
// backends but does not open connections, so the library stays free of
// driver imports. The dauro CLI and host applications interpret it.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Worker WorkerConfig `yaml:"worker"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig selects the journal and task queue backend. Driver is one of
// memory, sqlite, postgres, redis or mongo; the connection fields that
// apply depend on it.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// DSN is the connection string for the sqlite and postgres drivers.
	DSN string `yaml:"dsn,omitempty"`

	// Addr and Password configure the redis driver.
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`

	// URI and Database configure the mongo driver.
	URI      string `yaml:"uri,omitempty"`
	Database string `yaml:"database,omitempty"`
}

// WorkerConfig tunes task processing.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`

	// LeaseTTL is a Go duration string ("30s", "2m"). Empty keeps the
	// engine default.
	LeaseTTL string `yaml:"lease_ttl,omitempty"`
}

// LogConfig tunes the process logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// DefaultConfig returns the configuration a zero-valued file resolves to:
// an in-memory store with one worker and text logging at info level.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses and validates YAML configuration bytes.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Driver == "mongo" && c.Store.Database == "" {
		c.Store.Database = "dauro"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config: store.dsn is required for the %s driver", c.Store.Driver)
		}
	case "redis":
		if strings.TrimSpace(c.Store.Addr) == "" {
			return fmt.Errorf("config: store.addr is required for the redis driver")
		}
	case "mongo":
		if strings.TrimSpace(c.Store.URI) == "" {
			return fmt.Errorf("config: store.uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if c.Worker.LeaseTTL != "" {
		d, err := time.ParseDuration(c.Worker.LeaseTTL)
		if err != nil {
			return fmt.Errorf("config: worker.lease_ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config: worker.lease_ttl must be positive, got %s", c.Worker.LeaseTTL)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// LeaseDuration returns the parsed lease TTL, or zero when unset so the
// engine default applies. Validation already rejected unparseable values.
func (w WorkerConfig) LeaseDuration() time.Duration {
	if w.LeaseTTL == "" {
		return 0
	}
	d, err := time.ParseDuration(w.LeaseTTL)
	if err != nil {
		return 0
	}
	return d
}

// Logger builds a slog.Logger honoring the configured level and format,
// writing to stderr.
func (l LogConfig) Logger() *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
