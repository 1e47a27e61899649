// Package config handles configuration loading for coven-context.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so a file only needs the settings it
// changes.
//
// # Configuration File
//
// Locations (first match wins):
//
//  1. The --config flag
//  2. Path from COVEN_CONTEXT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/context.yaml (~/.config/coven/context.yaml)
//
// Files ending in .toml are parsed as TOML; everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	storage:
//	  dsn: "${COVEN_CONTEXT_DSN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	snapshots:
//	  interval: "5m"          # "0" disables periodic snapshots
//	  persist_backoff: "200ms"
//	  persist_max_backoff: "5s"
//
// # Configuration Sections
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
//
//	history:
//	  capacity: 1000   # entries retained per context
//
//	snapshots:
//	  max_per_context: 50
//	  persist_retries: 5
//	  concurrency: 4
//
//	conflict:
//	  strategies: [merge_by_path, last_writer_wins]   # reject is implicit
//
//	storage:
//	  backend: "sqlite"   # sqlite, badger, postgres, memory
//	  path: "~/.local/share/coven/context.db"
//	  driver: "sqlite"    # sqlite (pure Go) or sqlite3 (cgo)
//	  dsn: ""             # postgres only
//	  sync_writes: true   # badger only
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
//	contexts:
//	  restore_on_start: true
//	  active: ""
//
// # Usage
//
//	cfg, err := config.Load(config.ResolvePath(flagValue))
//	if err != nil {
//	    return err
//	}
package config
