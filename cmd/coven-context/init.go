// ABOUTME: init command writing a default configuration file
// ABOUTME: YAML by default, TOML when the target path ends in .toml

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-context/internal/config"
)

type initOptions struct {
	Backend string
	DSN     string
	Metrics bool
}

func newInitCommand(root *rootOptions) *cobra.Command {
	opts := &initOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write a config file with every setting at its default.

The file goes to --config, $` + config.EnvConfigPath + ` or
$XDG_CONFIG_HOME/coven/context.yaml. An existing file is never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.ResolvePath(root.ConfigPath)

			cfg := config.Default()
			cfg.Storage.Backend = opts.Backend
			cfg.Storage.DSN = opts.DSN
			cfg.Metrics.Enabled = opts.Metrics
			if opts.Backend == "badger" {
				cfg.Storage.Path = strings.TrimSuffix(cfg.Storage.Path, filepath.Ext(cfg.Storage.Path))
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := config.WriteFile(path, cfg); err != nil {
				if errors.Is(err, fs.ErrExist) {
					return fmt.Errorf("%s already exists", path)
				}
				return err
			}
			if opts.Backend == "sqlite" || opts.Backend == "badger" {
				if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
					return fmt.Errorf("creating data directory: %w", err)
				}
			}

			green := color.New(color.FgGreen)
			green.Fprintf(cmd.OutOrStdout(), "  ✓ Wrote config: %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "To start the daemon:")
			fmt.Fprintln(cmd.OutOrStdout(), "  coven-context serve")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", "sqlite", "snapshot storage backend (sqlite|badger|postgres|memory)")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "connection string for the postgres backend")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "enable the metrics endpoint")
	return cmd
}
