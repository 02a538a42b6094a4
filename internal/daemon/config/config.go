// Package config loads the daemon's runtime configuration from built-in
// defaults, an optional YAML file, and PORT_DADDY_* environment
// variables, in that order of precedence (later wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for all environment overrides,
// e.g. PORT_DADDY_ADDR, PORT_DADDY_DB_PATH, PORT_DADDY_PORT_MIN.
const EnvPrefix = "PORT_DADDY_"

// Config holds the daemon's runtime configuration.
type Config struct {
	Addr     string `koanf:"addr"`      // loopback listen address
	DataDir  string `koanf:"data_dir"`  // directory for DB and config file
	DBPath   string `koanf:"db_path"`   // overrides <data_dir>/port-daddy.db
	LogLevel string `koanf:"log_level"` // debug, info, warn, error

	// Port registry.
	PortMin       int   `koanf:"port_min"`
	PortMax       int   `koanf:"port_max"`
	ReservedPorts []int `koanf:"reserved_ports"`
	ClaimRetries  int   `koanf:"claim_retries"` // unique-collision retries per claim

	// Agent liveness thresholds.
	DefaultAgentID string        `koanf:"default_agent_id"`
	StaleAfter     time.Duration `koanf:"stale_after"`
	DeadAfter      time.Duration `koanf:"dead_after"`

	// Reaper.
	ReapInterval time.Duration `koanf:"reap_interval"`

	// Messaging retention. Both bounds apply; whichever trims more wins.
	MessageRetentionCount int           `koanf:"message_retention_count"` // per channel
	MessageRetentionAge   time.Duration `koanf:"message_retention_age"`
	CompressMinBytes      int           `koanf:"compress_min_bytes"` // zstd threshold for stored payloads

	// Salvage.
	SalvageNoteLimit int `koanf:"salvage_note_limit"` // notes snapshotted per session

	// Activity retention.
	ActivityMaxAge  time.Duration `koanf:"activity_max_age"`
	ActivityMaxRows int           `koanf:"activity_max_rows"`

	// HTTP capacity limits.
	RateLimitPerMin    int   `koanf:"rate_limit_per_min"` // accepted requests per source per minute
	MaxStreamsPerAddr  int   `koanf:"max_streams_per_addr"`
	SubscriberQueueLen int   `koanf:"subscriber_queue_len"` // per-subscriber high-water mark
	MaxBodyBytes       int64 `koanf:"max_body_bytes"`
}

// defaults are the conservative built-in values. Every key here is
// overridable via the config file or environment.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":                    "127.0.0.1:9876",
		"data_dir":                defaultDataDir(),
		"db_path":                 "",
		"log_level":               "info",
		"port_min":                3000,
		"port_max":                9000,
		"reserved_ports":          []int{},
		"claim_retries":           5,
		"default_agent_id":        "",
		"stale_after":             "10m",
		"dead_after":              "20m",
		"reap_interval":           "5m",
		"message_retention_count": 1000,
		"message_retention_age":   "24h",
		"compress_min_bytes":      1024,
		"salvage_note_limit":      20,
		"activity_max_age":        "168h",
		"activity_max_rows":       100000,
		"rate_limit_per_min":      100,
		"max_streams_per_addr":    10,
		"subscriber_queue_len":    64,
		"max_body_bytes":          int64(10 << 10),
	}
}

// Load builds the configuration. When cfgFile is empty,
// <data_dir>/config.yaml is read if it exists.
func Load(cfgFile string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := cfgFile
	if path == "" {
		path = filepath.Join(k.String("data_dir"), "config.yaml")
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.PortMin < 1024 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range [%d, %d]: want 1024 <= min <= max <= 65535", c.PortMin, c.PortMax)
	}
	if c.StaleAfter <= 0 || c.DeadAfter <= c.StaleAfter {
		return fmt.Errorf("liveness thresholds: want 0 < stale_after < dead_after")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap_interval must be positive")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "port-daddy")
	}
	return filepath.Join(home, ".config", "port-daddy")
}

// DatabasePath returns the path to the SQLite database file.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "port-daddy.db")
}

// IsReservedPort reports whether the port is in the reserved set.
func (c *Config) IsReservedPort(port int) bool {
	for _, p := range c.ReservedPorts {
		if p == port {
			return true
		}
	}
	return false
}
