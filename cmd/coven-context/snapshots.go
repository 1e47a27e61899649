// ABOUTME: snapshots command listing and deleting persisted snapshots
// ABOUTME: Works directly against the configured storage backend

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-context/internal/manager"
	"github.com/2389/coven-context/internal/snapshot"
	"github.com/2389/coven-context/internal/state"
)

// openManager builds a manager over the configured storage for one-shot
// commands. Logging goes to stderr at warn level so output stays clean.
func openManager(ctx context.Context, root *rootOptions, stderr io.Writer) (*manager.Manager, error) {
	cfg, _, err := root.load()
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = "warn"
	return manager.NewFromConfig(ctx, cfg, nil, setupLogger(stderr, cfg.Logging))
}

func closeManager(m *manager.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = m.Close(ctx)
}

func newSnapshotsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List or delete persisted snapshots",
	}
	cmd.AddCommand(newSnapshotsListCommand(root))
	cmd.AddCommand(newSnapshotsDeleteCommand(root))
	return cmd
}

func newSnapshotsListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [context]",
		Short: "List stored contexts, or the snapshots of one context",
		Example: `  coven-context snapshots list
  coven-context snapshots list session`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd.Context(), root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeManager(m)

			if len(args) == 0 {
				ids, err := m.StoredContexts(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}

			snaps, err := m.StoredSnapshots(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				return fmt.Errorf("%w: context %q has no stored snapshots", state.ErrNoValidSnapshot, args[0])
			}
			return writeSnapshotTable(cmd.OutOrStdout(), snaps)
		},
	}
}

func writeSnapshotTable(w io.Writer, snaps []*state.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tTAKEN\tTRIGGER\tKEYS")
	for _, s := range snaps {
		trigger := s.Metadata[snapshot.MetadataTrigger]
		if trigger == "" {
			trigger = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\n",
			s.ID, s.Version(), s.Timestamp.Format(time.RFC3339), trigger, len(s.State.Data))
	}
	return tw.Flush()
}

func newSnapshotsDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <context> <snapshot-id>",
		Short: "Delete one stored snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd.Context(), root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeManager(m)

			if err := m.DeleteSnapshot(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}
