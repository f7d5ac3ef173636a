package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/spf13/cobra"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	From  uint64
	Limit int
}

// JournalEntry is one journaled command as printed by the journal command.
type JournalEntry struct {
	Sequence  uint64             `json:"sequence"`
	Timestamp time.Time          `json:"timestamp"`
	Type      domain.CommandType `json:"type"`
	EntityIDs []string           `json:"entity_ids"`
	Payload   domain.Payload     `json:"payload"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print journaled commands",
		Long: `Print the commands in the journal in sequence order.

Without --from, printing starts after the latest snapshot, since older
commands may have been compacted away.

Examples:
  atelier journal
  atelier journal --from 0 --limit 20
  atelier journal --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("from") {
				opts.From = ^uint64(0)
			}
			return runJournal(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Uint64Var(&opts.From, "from", 0, "print commands after this sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after this many commands (0 for all)")

	return cmd
}

func runJournal(ctx context.Context, opts *JournalOptions, w io.Writer) error {
	out := opts.output(w)

	b, err := openBackend(ctx, opts.Config, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer b.Close()

	from := opts.From
	if from == ^uint64(0) {
		from = 0
		info, err := b.Snapshots.List(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list snapshots", err)
		}
		if len(info) > 0 {
			from = info[0].AsOf
		}
	}

	var entries []JournalEntry
	for cmd, err := range b.Journal.Replay(ctx, from) {
		if err != nil {
			_ = out.Failure(err)
			if errors.Is(err, domain.ErrCorruption) {
				return WrapExitError(ExitFailure, "failed to read journal", err)
			}
			return WrapExitError(ExitCommandError, "failed to read journal", err)
		}
		entries = append(entries, JournalEntry{
			Sequence:  cmd.Sequence,
			Timestamp: cmd.Timestamp,
			Type:      cmd.Type(),
			EntityIDs: cmd.Payload.EntityIDs(),
			Payload:   cmd.Payload,
		})
		if opts.Limit > 0 && len(entries) >= opts.Limit {
			break
		}
	}

	return out.Success(entries, func(w io.Writer) error {
		for _, e := range entries {
			if _, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				e.Sequence, e.Timestamp.Format(time.RFC3339Nano), e.Type, strings.Join(e.EntityIDs, ",")); err != nil {
				return err
			}
		}
		return nil
	})
}
