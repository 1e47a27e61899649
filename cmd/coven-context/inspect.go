// ABOUTME: inspect command printing a context as recovered from storage
// ABOUTME: Accepts any recovery strategy, e.g. version:3 or time:2026-01-02T15:04:05Z

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-context/internal/recovery"
	"github.com/2389/coven-context/internal/state"
)

type inspectOptions struct {
	Strategy string
	Output   string
}

// inspectView is the printed form of a recovered context.
type inspectView struct {
	ID        string            `json:"id" yaml:"id"`
	Version   uint64            `json:"version" yaml:"version"`
	Strategy  string            `json:"strategy" yaml:"strategy"`
	UpdatedAt string            `json:"updated_at" yaml:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Data      state.Data        `json:"data" yaml:"data"`
}

func newInspectCommand(root *rootOptions) *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <context>",
		Short: "Print a context recovered from its stored snapshots",
		Long: `Print a context as it would be recovered from storage.

The strategy selects the snapshot: latest (default), version:N, nearest:N,
time:RFC3339 or id:SNAPSHOT. Storage is not modified.`,
		Example: `  coven-context inspect session
  coven-context inspect session --strategy version:12 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := recovery.Parse(opts.Strategy)
			if err != nil {
				return fmt.Errorf("%w: %v", state.ErrInvalidState, err)
			}
			if opts.Output != "yaml" && opts.Output != "json" {
				return fmt.Errorf("invalid output %q: must be yaml or json", opts.Output)
			}

			m, err := openManager(cmd.Context(), root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeManager(m)

			st, err := m.Recover(cmd.Context(), args[0], strategy)
			if err != nil {
				return err
			}
			return writeInspect(cmd.OutOrStdout(), opts.Output, inspectView{
				ID:        st.ID,
				Version:   st.Version,
				Strategy:  strategy.Name(),
				UpdatedAt: st.UpdatedAt.Format(time.RFC3339Nano),
				Metadata:  st.Metadata,
				Data:      st.Data,
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Strategy, "strategy", "s", "latest", "recovery strategy")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "yaml", "output format (yaml|json)")
	return cmd
}

func writeInspect(w io.Writer, format string, v inspectView) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
