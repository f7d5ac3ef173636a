package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/journal"
	"github.com/plaenen/atelier/pkg/observability"
	"github.com/plaenen/atelier/pkg/snapshot"
)

// Report summarizes a recovery.
type Report struct {
	SnapshotUsed bool
	SnapshotAsOf uint64
	Replayed     uint64
	Sequence     uint64
	Duration     time.Duration
}

// Recover rebuilds store from the latest snapshot in snapshots, if any, and
// the journal entries after it. Replayed commands are applied directly to
// the store without validation hooks or notification. Any failure to apply
// a journaled command is returned as domain.ErrCorruption and must abort
// startup. snapshots may be nil.
func Recover(ctx context.Context, store *domain.Store, snapshots snapshot.Store, j journal.Journal, opts ...Option) (report Report, err error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, o.tracer, "kernel.Recover")
	defer func() { observability.EndSpan(span, err) }()

	if store.Sequence() != 0 {
		return report, fmt.Errorf("recovery needs an empty store, found sequence %d", store.Sequence())
	}

	if snapshots != nil {
		state, err := snapshots.Latest(ctx)
		switch {
		case errors.Is(err, snapshot.ErrNotFound):
		case err != nil:
			return report, fmt.Errorf("failed to load latest snapshot: %w", err)
		default:
			report.SnapshotUsed = true
			report.SnapshotAsOf = state.AsOf
			if last := j.LastSequence(); last < state.AsOf {
				return report, &domain.Error{
					Kind:    domain.ErrCorruption,
					Field:   "sequence",
					Message: fmt.Sprintf("journal ends at sequence %d, behind snapshot %d", last, state.AsOf),
				}
			}
			store.Restore(state)
			o.logger.Info("snapshot restored",
				slog.Uint64("as_of", state.AsOf),
				slog.Int("products", len(state.Products)),
				slog.Int("orders", len(state.Orders)))
		}
	}

	for cmd, err := range j.Replay(ctx, report.SnapshotAsOf) {
		if err != nil {
			if errors.Is(err, domain.ErrCorruption) {
				return report, err
			}
			return report, fmt.Errorf("failed to replay journal: %w", err)
		}
		if err := store.Apply(cmd); err != nil {
			return report, &domain.Error{
				Kind:        domain.ErrCorruption,
				CommandType: cmd.Type(),
				Field:       "sequence",
				Message:     fmt.Sprintf("journaled command %d failed to apply", cmd.Sequence),
				Err:         err,
			}
		}
		report.Replayed++
	}

	report.Sequence = store.Sequence()
	if last := j.LastSequence(); report.Sequence != last {
		return report, &domain.Error{
			Kind:    domain.ErrCorruption,
			Field:   "sequence",
			Message: fmt.Sprintf("recovered to sequence %d, journal ends at %d", report.Sequence, last),
		}
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		observability.AttrSequence.Int64(int64(report.Sequence)),
		observability.AttrSnapshotAsOf.Int64(int64(report.SnapshotAsOf)),
	)
	o.metrics.RecordRecovery(ctx, report.Replayed, report.SnapshotUsed)
	o.logger.Info("recovery complete",
		slog.Bool("snapshot_used", report.SnapshotUsed),
		slog.Uint64("snapshot_as_of", report.SnapshotAsOf),
		slog.Uint64("replayed", report.Replayed),
		slog.Uint64("sequence", report.Sequence),
		slog.Duration("duration", report.Duration))
	return report, nil
}
