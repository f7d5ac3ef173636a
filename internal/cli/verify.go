package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/kernel"
	"github.com/spf13/cobra"
)

// VerifyResult is the outcome of a recovery dry run.
type VerifyResult struct {
	SnapshotUsed bool   `json:"snapshot_used"`
	SnapshotAsOf uint64 `json:"snapshot_as_of"`
	Replayed     uint64 `json:"replayed"`
	Sequence     uint64 `json:"sequence"`
	Products     int    `json:"products"`
	Orders       int    `json:"orders"`
	DurationMS   int64  `json:"duration_ms"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recover the store without serving and report the result",
		Long: `Load the latest snapshot, replay the journal after it and report what
was recovered. Nothing is written.

Exit codes:
  0 - Recovery succeeded
  1 - The journal or snapshot is corrupt
  2 - Command error (bad configuration, unreadable storage)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}
}

func runVerify(ctx context.Context, opts *RootOptions, w io.Writer) error {
	out := opts.output(w)

	b, err := openBackend(ctx, opts.Config, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer b.Close()

	store := domain.NewStore()
	report, err := kernel.Recover(ctx, store, b.Snapshots, b.Journal, kernel.WithLogger(opts.Logger))
	if err != nil {
		_ = out.Failure(err)
		return recoveryExitError(err)
	}

	result := VerifyResult{
		SnapshotUsed: report.SnapshotUsed,
		SnapshotAsOf: report.SnapshotAsOf,
		Replayed:     report.Replayed,
		Sequence:     report.Sequence,
		Products:     len(store.Products()),
		Orders:       len(store.Orders()),
		DurationMS:   report.Duration.Milliseconds(),
	}
	return out.Success(result, func(w io.Writer) error {
		snap := "none"
		if result.SnapshotUsed {
			snap = fmt.Sprintf("as of %d", result.SnapshotAsOf)
		}
		_, err := fmt.Fprintf(w, "ok: sequence %d (snapshot %s, replayed %d) products=%d orders=%d in %s\n",
			result.Sequence, snap, result.Replayed, result.Products, result.Orders, report.Duration)
		return err
	})
}

func recoveryExitError(err error) error {
	if errors.Is(err, domain.ErrCorruption) {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}
	return WrapExitError(ExitCommandError, "recovery failed", err)
}
