// ABOUTME: Configuration loading and parsing for coven-context
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-context/internal/conflict"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "COVEN_CONTEXT_CONFIG"

// Config represents the complete coven-context configuration
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	History   HistoryConfig   `yaml:"history" toml:"history"`
	Snapshots SnapshotsConfig `yaml:"snapshots" toml:"snapshots"`
	Conflict  ConflictConfig  `yaml:"conflict" toml:"conflict"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Contexts  ContextsConfig  `yaml:"contexts" toml:"contexts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// HistoryConfig bounds the per-context history log
type HistoryConfig struct {
	Capacity int `yaml:"capacity" toml:"capacity"`
}

// SnapshotsConfig holds snapshot retention and persistence settings
type SnapshotsConfig struct {
	MaxPerContext  int  `yaml:"max_per_context" toml:"max_per_context"`
	PersistRetries uint `yaml:"persist_retries" toml:"persist_retries"`
	Concurrency    int  `yaml:"concurrency" toml:"concurrency"`

	Interval          time.Duration `yaml:"-" toml:"-"`
	PersistBackoff    time.Duration `yaml:"-" toml:"-"`
	PersistMaxBackoff time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IntervalRaw          string `yaml:"interval" toml:"interval"`
	PersistBackoffRaw    string `yaml:"persist_backoff" toml:"persist_backoff"`
	PersistMaxBackoffRaw string `yaml:"persist_max_backoff" toml:"persist_max_backoff"`
}

// ConflictConfig lists the built-in strategies to register. Reject is always
// the fallback and need not be listed.
type ConflictConfig struct {
	Strategies []string `yaml:"strategies" toml:"strategies"`
}

// StorageConfig selects the snapshot storage backend
type StorageConfig struct {
	Backend    string `yaml:"backend" toml:"backend"`
	Path       string `yaml:"path" toml:"path"`
	Driver     string `yaml:"driver" toml:"driver"`
	DSN        string `yaml:"dsn" toml:"dsn"`
	SyncWrites bool   `yaml:"sync_writes" toml:"sync_writes"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// ContextsConfig holds startup behavior for contexts
type ContextsConfig struct {
	RestoreOnStart bool   `yaml:"restore_on_start" toml:"restore_on_start"`
	Active         string `yaml:"active" toml:"active"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		History: HistoryConfig{Capacity: 1000},
		Snapshots: SnapshotsConfig{
			MaxPerContext:        50,
			PersistRetries:       5,
			Concurrency:          4,
			Interval:             5 * time.Minute,
			PersistBackoff:       200 * time.Millisecond,
			PersistMaxBackoff:    5 * time.Second,
			IntervalRaw:          "5m",
			PersistBackoffRaw:    "200ms",
			PersistMaxBackoffRaw: "5s",
		},
		Conflict: ConflictConfig{
			Strategies: []string{conflict.MergeByPath.String(), conflict.LastWriterWins.String()},
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			Path:       DefaultStoragePath(),
			Driver:     "sqlite",
			SyncWrites: true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
			Path: "/metrics",
		},
		Contexts: ContextsConfig{RestoreOnStart: true},
	}
}

// DefaultStoragePath returns $XDG_DATA_HOME/coven/context.db, falling back
// to ~/.local/share.
func DefaultStoragePath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "coven-context.db"
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "coven", "context.db")
}

// ResolvePath picks the config file: the explicit flag value, then
// COVEN_CONTEXT_CONFIG, then $XDG_CONFIG_HOME/coven/context.yaml.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "context.yaml"
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "coven", "context.yaml")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are read as TOML, everything else as YAML. Missing
// fields keep their defaults. Environment variables in the format ${VAR_NAME}
// are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML(path) {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Write encodes cfg to w as TOML or YAML.
func Write(w io.Writer, cfg *Config, asTOML bool) error {
	if asTOML {
		return toml.NewEncoder(w).Encode(cfg)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// WriteFile writes cfg to path, choosing the format from its extension.
// Parent directories are created. An existing file is not overwritten.
func WriteFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	if err := Write(f, cfg, isTOML(path)); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be positive")
	}

	if c.Snapshots.MaxPerContext <= 0 {
		return fmt.Errorf("snapshots.max_per_context must be positive")
	}
	if c.Snapshots.Concurrency <= 0 {
		return fmt.Errorf("snapshots.concurrency must be positive")
	}
	if c.Snapshots.Interval < 0 {
		return fmt.Errorf("snapshots.interval must not be negative")
	}
	if c.Snapshots.PersistBackoff <= 0 || c.Snapshots.PersistMaxBackoff < c.Snapshots.PersistBackoff {
		return fmt.Errorf("snapshots.persist_backoff must be positive and at most persist_max_backoff")
	}

	for _, name := range c.Conflict.Strategies {
		if _, err := conflict.ParseKind(name); err != nil {
			return fmt.Errorf("conflict.strategies: %w", err)
		}
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
		if c.Storage.Driver != "" && c.Storage.Driver != "sqlite" && c.Storage.Driver != "sqlite3" {
			return fmt.Errorf("storage.driver must be sqlite or sqlite3 (got %q)", c.Storage.Driver)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	case "badger", "memory":
	default:
		return fmt.Errorf("storage.backend must be sqlite, badger, postgres or memory (got %q)", c.Storage.Backend)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
	}

	return nil
}

// Kinds returns the configured conflict strategies.
func (c *Config) Kinds() ([]conflict.Kind, error) {
	kinds := make([]conflict.Kind, 0, len(c.Conflict.Strategies))
	for _, name := range c.Conflict.Strategies {
		k, err := conflict.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"snapshots.interval", cfg.Snapshots.IntervalRaw, &cfg.Snapshots.Interval},
		{"snapshots.persist_backoff", cfg.Snapshots.PersistBackoffRaw, &cfg.Snapshots.PersistBackoff},
		{"snapshots.persist_max_backoff", cfg.Snapshots.PersistMaxBackoffRaw, &cfg.Snapshots.PersistMaxBackoff},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
