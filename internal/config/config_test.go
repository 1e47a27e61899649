// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, and duration parsing

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-context/internal/conflict"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "context.yaml", `
logging:
  level: "debug"
  format: "json"

history:
  capacity: 250

snapshots:
  max_per_context: 10
  interval: "30s"
  persist_retries: 3
  persist_backoff: "100ms"
  persist_max_backoff: "2s"
  concurrency: 2

conflict:
  strategies: ["last_writer_wins"]

storage:
  backend: "badger"
  path: "./data"
  sync_writes: false

metrics:
  enabled: true
  addr: "127.0.0.1:9000"
  path: "/metrics"

contexts:
  restore_on_start: false
  active: "main"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.History.Capacity != 250 {
		t.Errorf("History.Capacity = %d, want 250", cfg.History.Capacity)
	}

	if cfg.Snapshots.MaxPerContext != 10 {
		t.Errorf("Snapshots.MaxPerContext = %d, want 10", cfg.Snapshots.MaxPerContext)
	}
	if cfg.Snapshots.Interval != 30*time.Second {
		t.Errorf("Snapshots.Interval = %v, want %v", cfg.Snapshots.Interval, 30*time.Second)
	}
	if cfg.Snapshots.PersistRetries != 3 {
		t.Errorf("Snapshots.PersistRetries = %d, want 3", cfg.Snapshots.PersistRetries)
	}
	if cfg.Snapshots.PersistBackoff != 100*time.Millisecond {
		t.Errorf("Snapshots.PersistBackoff = %v, want %v", cfg.Snapshots.PersistBackoff, 100*time.Millisecond)
	}
	if cfg.Snapshots.PersistMaxBackoff != 2*time.Second {
		t.Errorf("Snapshots.PersistMaxBackoff = %v, want %v", cfg.Snapshots.PersistMaxBackoff, 2*time.Second)
	}
	if cfg.Snapshots.Concurrency != 2 {
		t.Errorf("Snapshots.Concurrency = %d, want 2", cfg.Snapshots.Concurrency)
	}

	kinds, err := cfg.Kinds()
	if err != nil {
		t.Fatalf("Kinds() error = %v", err)
	}
	if len(kinds) != 1 || kinds[0] != conflict.LastWriterWins {
		t.Errorf("Kinds() = %v, want [last_writer_wins]", kinds)
	}

	if cfg.Storage.Backend != "badger" || cfg.Storage.Path != "./data" || cfg.Storage.SyncWrites {
		t.Errorf("Storage = %+v, want badger at ./data without sync writes", cfg.Storage)
	}

	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != "127.0.0.1:9000" {
		t.Errorf("Metrics = %+v, want enabled on 127.0.0.1:9000", cfg.Metrics)
	}

	if cfg.Contexts.RestoreOnStart {
		t.Error("Contexts.RestoreOnStart = true, want false")
	}
	if cfg.Contexts.Active != "main" {
		t.Errorf("Contexts.Active = %q, want %q", cfg.Contexts.Active, "main")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	configPath := writeConfig(t, "context.yaml", "logging:\n  level: warn\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want default %q", cfg.Logging.Format, "text")
	}
	if cfg.History.Capacity != 1000 {
		t.Errorf("History.Capacity = %d, want 1000", cfg.History.Capacity)
	}
	if cfg.Snapshots.MaxPerContext != 50 {
		t.Errorf("Snapshots.MaxPerContext = %d, want 50", cfg.Snapshots.MaxPerContext)
	}
	if cfg.Snapshots.Interval != 5*time.Minute {
		t.Errorf("Snapshots.Interval = %v, want 5m", cfg.Snapshots.Interval)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if want := filepath.Join("/data", "coven", "context.db"); cfg.Storage.Path != want {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, want)
	}
	if len(cfg.Conflict.Strategies) != 2 {
		t.Errorf("Conflict.Strategies = %v, want merge_by_path and last_writer_wins", cfg.Conflict.Strategies)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "context.toml", `
[logging]
level = "error"
format = "json"

[snapshots]
interval = "0"
max_per_context = 5

[storage]
backend = "memory"

[conflict]
strategies = ["merge_by_path"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "error")
	}
	if cfg.Snapshots.Interval != 0 {
		t.Errorf("Snapshots.Interval = %v, want 0", cfg.Snapshots.Interval)
	}
	if cfg.Snapshots.MaxPerContext != 5 {
		t.Errorf("Snapshots.MaxPerContext = %d, want 5", cfg.Snapshots.MaxPerContext)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CONTEXT_DSN", "postgres://coven@localhost/context")
	t.Setenv("TEST_CONTEXT_ACTIVE", "ops")

	configPath := writeConfig(t, "context.yaml", `
storage:
  backend: "postgres"
  dsn: "${TEST_CONTEXT_DSN}"
contexts:
  active: "${TEST_CONTEXT_ACTIVE}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DSN != "postgres://coven@localhost/context" {
		t.Errorf("Storage.DSN = %q, want expanded value", cfg.Storage.DSN)
	}
	if cfg.Contexts.Active != "ops" {
		t.Errorf("Contexts.Active = %q, want %q", cfg.Contexts.Active, "ops")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	configPath := writeConfig(t, "context.yaml", `
storage:
  backend: "postgres"
  dsn: "${UNSET_CONTEXT_DSN_FOR_TEST}"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for empty postgres dsn, got nil")
	}
	if !strings.Contains(err.Error(), "storage.dsn") {
		t.Errorf("error = %v, want mention of storage.dsn", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/context.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "context.yaml", "logging: [unclosed\n")
	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "context.yaml", "snapshots:\n  interval: \"soon\"\n")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "snapshots.interval") {
		t.Errorf("error = %v, want mention of snapshots.interval", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero capacity", func(c *Config) { c.History.Capacity = 0 }, "history.capacity"},
		{"zero snapshots", func(c *Config) { c.Snapshots.MaxPerContext = 0 }, "snapshots.max_per_context"},
		{"zero concurrency", func(c *Config) { c.Snapshots.Concurrency = 0 }, "snapshots.concurrency"},
		{"backoff inverted", func(c *Config) { c.Snapshots.PersistMaxBackoff = time.Millisecond }, "persist_backoff"},
		{"unknown strategy", func(c *Config) { c.Conflict.Strategies = []string{"coin_flip"} }, "conflict.strategies"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "odbc" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.dsn"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, "storage.backend"},
		{"badger without path", func(c *Config) { c.Storage.Backend = "badger"; c.Storage.Path = "" }, ""},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
		{"metrics bad path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Path = "metrics" }, "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR_A", "alpha")
	t.Setenv("TEST_VAR_B", "beta")

	tests := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"${TEST_VAR_A}", "alpha"},
		{"${TEST_VAR_A}-${TEST_VAR_B}", "alpha-beta"},
		{"${TEST_VAR_UNSET_XYZ}", ""},
		{"$TEST_VAR_A", "$TEST_VAR_A"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.input); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/cfg")

	if got := ResolvePath("/explicit.yaml"); got != "/explicit.yaml" {
		t.Errorf("ResolvePath(flag) = %q, want /explicit.yaml", got)
	}
	if got, want := ResolvePath(""), filepath.Join("/cfg", "coven", "context.yaml"); got != want {
		t.Errorf("ResolvePath(\"\") = %q, want %q", got, want)
	}

	t.Setenv(EnvConfigPath, "/env.toml")
	if got := ResolvePath(""); got != "/env.toml" {
		t.Errorf("ResolvePath with env = %q, want /env.toml", got)
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	for _, name := range []string{"context.yaml", "context.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			want := Default()
			want.Storage.Backend = "memory"
			want.History.Capacity = 42

			if err := WriteFile(path, want); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			if err := WriteFile(path, want); err == nil {
				t.Error("WriteFile() over an existing file should fail")
			}

			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got.History.Capacity != 42 || got.Storage.Backend != "memory" {
				t.Errorf("round trip lost values: %+v", got)
			}
			if got.Snapshots.PersistBackoff != want.Snapshots.PersistBackoff {
				t.Errorf("PersistBackoff = %v, want %v", got.Snapshots.PersistBackoff, want.Snapshots.PersistBackoff)
			}
		})
	}
}

func TestWrite_YAMLHasSections(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, Default(), false); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	for _, section := range []string{"logging:", "history:", "snapshots:", "conflict:", "storage:", "metrics:", "contexts:"} {
		if !strings.Contains(buf.String(), section) {
			t.Errorf("encoded config missing %q", section)
		}
	}
	if strings.Contains(buf.String(), "persistbackoff") {
		t.Error("parsed duration fields should not be encoded")
	}
}
