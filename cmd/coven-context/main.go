// ABOUTME: Entry point for the coven-context daemon and maintenance commands
// ABOUTME: Builds the cobra command tree and reports failures with their error reason

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-context/internal/config"
	"github.com/2389/coven-context/internal/rpcstatus"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _            _
  ___ _____   _____ _ __         ___ ___  _ __ | |_ _____  _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \| '_ \| __/ _ \ \/ / __|
| (_| (_) \ V /  __/ | | |_____| (_| (_) | | | | ||  __/>  <| |_
 \___\___/ \_/ \___|_| |_|      \___\___/|_| |_|\__\___/_/\_\\__|
`

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	ConfigPath string
}

// load resolves and reads the config file.
func (o *rootOptions) load() (*config.Config, string, error) {
	path := config.ResolvePath(o.ConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "coven-context",
		Short:         "Shared, versioned context with snapshot recovery",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "",
		"config file (default $"+config.EnvConfigPath+" or $XDG_CONFIG_HOME/coven/context.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSnapshotsCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newInitCommand(opts))
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// reportError prints err with the reason code callers of the core would see.
func reportError(err error) {
	red := color.New(color.FgRed, color.Bold)
	red.Fprint(os.Stderr, "Error: ")
	fmt.Fprintln(os.Stderr, err)

	if info, ok := rpcstatus.ErrorInfo(rpcstatus.FromError(err)); ok && info.GetReason() != "" {
		gray := color.New(color.FgHiBlack)
		gray.Fprintf(os.Stderr, "  reason: %s\n", info.GetReason())
		for k, v := range info.GetMetadata() {
			gray.Fprintf(os.Stderr, "  %s: %s\n", k, v)
		}
	}
}
