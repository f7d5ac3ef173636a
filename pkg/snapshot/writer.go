package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/journal"
)

// DefaultRetain is how many snapshots the writer keeps by default.
const DefaultRetain = 3

// Writer persists captured states and then trims what they make redundant:
// journal entries at or before the snapshot and snapshots beyond the
// retention count.
type Writer struct {
	store   Store
	journal journal.Journal
	retain  int
	logger  *slog.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithRetain sets how many snapshots are kept after each write.
func WithRetain(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.retain = n
		}
	}
}

// WithWriterLogger sets the logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter creates a writer. j may be nil, in which case the journal is
// never compacted.
func NewWriter(store Store, j journal.Journal, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   store,
		journal: j,
		retain:  DefaultRetain,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Store returns the underlying snapshot store.
func (w *Writer) Store() Store {
	return w.store
}

// Write saves state. Once the save succeeds, a failure to compact or prune
// is returned but the snapshot stays valid.
func (w *Writer) Write(ctx context.Context, state domain.State) error {
	if err := w.store.Save(ctx, state); err != nil {
		return err
	}

	if w.journal != nil && state.AsOf > 0 {
		if err := w.journal.Compact(ctx, state.AsOf); err != nil {
			return fmt.Errorf("snapshot %d saved, failed to compact journal: %w", state.AsOf, err)
		}
	}

	if err := w.store.Prune(ctx, w.retain); err != nil {
		return fmt.Errorf("snapshot %d saved, failed to prune: %w", state.AsOf, err)
	}

	w.logger.Info("snapshot written",
		slog.Uint64("as_of", state.AsOf),
		slog.Int("products", len(state.Products)),
		slog.Int("orders", len(state.Orders)))
	return nil
}
