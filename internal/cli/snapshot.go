package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/kernel"
	"github.com/plaenen/atelier/pkg/snapshot"
	"github.com/spf13/cobra"
)

// SnapshotResult is the outcome of a manual snapshot.
type SnapshotResult struct {
	AsOf     uint64          `json:"as_of"`
	Retained []snapshot.Info `json:"retained"`
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Write a snapshot and compact the journal",
		Long: `Recover the store, write a snapshot of it, compact the journal behind
the snapshot and prune old snapshots down to ATELIER_SNAPSHOT_RETAIN.

Do not run this against a directory a running server owns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}
}

func runSnapshot(ctx context.Context, opts *RootOptions, w io.Writer) error {
	out := opts.output(w)

	b, err := openBackend(ctx, opts.Config, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer b.Close()

	store := domain.NewStore()
	if _, err := kernel.Recover(ctx, store, b.Snapshots, b.Journal, kernel.WithLogger(opts.Logger)); err != nil {
		_ = out.Failure(err)
		return recoveryExitError(err)
	}

	writer := snapshot.NewWriter(b.Snapshots, b.Journal,
		snapshot.WithRetain(opts.Config.SnapshotRetain),
		snapshot.WithWriterLogger(opts.Logger))
	c := kernel.NewCoordinator(store, b.Journal,
		kernel.WithLogger(opts.Logger),
		kernel.WithSnapshotWriter(writer))

	asOf, err := c.Checkpoint(ctx, kernel.TriggerManual)
	if err != nil {
		_ = out.Failure(err)
		return WrapExitError(ExitCommandError, "snapshot failed", err)
	}
	retained, err := b.Snapshots.List(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list snapshots", err)
	}

	result := SnapshotResult{AsOf: asOf, Retained: retained}
	return out.Success(result, func(w io.Writer) error {
		if asOf == 0 {
			_, err := fmt.Fprintln(w, "journal is empty, nothing to snapshot")
			return err
		}
		_, err := fmt.Fprintf(w, "snapshot as of %d written, %d retained\n", asOf, len(retained))
		return err
	})
}
