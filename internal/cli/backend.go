package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/plaenen/atelier/pkg/config"
	"github.com/plaenen/atelier/pkg/journal"
	"github.com/plaenen/atelier/pkg/snapshot"
	"github.com/plaenen/atelier/pkg/sqlite"
)

// backend is an opened journal with its snapshot store.
type backend struct {
	Journal   journal.Journal
	Snapshots snapshot.Store

	closers []func() error
}

// openBackend opens the journal and snapshot store the configuration
// selects. The file backend defaults to a file:// bucket under DataDir; the
// SQLite backend defaults to the snapshots table of the same database. A
// configured SnapshotURL overrides either default.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *backend, err error) {
	b := &backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err := sqlite.Open(ctx, sqlite.WithDSN(cfg.DSN()))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		j, err := sqlite.NewJournal(ctx, db)
		if err != nil {
			return nil, err
		}
		b.Journal = j
		b.closers = append(b.closers, j.Close)
		if cfg.SnapshotURL == "" {
			b.Snapshots = sqlite.NewSnapshotStore(db)
		}

	default:
		j, err := journal.OpenFile(cfg.JournalDir(),
			journal.WithSegmentMaxBytes(cfg.SegmentMaxBytes),
			journal.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.Journal = j
		b.closers = append(b.closers, j.Close)
	}

	if b.Snapshots == nil {
		url := cfg.SnapshotURL
		if url == "" {
			dir, err := filepath.Abs(cfg.SnapshotDir())
			if err != nil {
				return nil, fmt.Errorf("failed to resolve snapshot directory: %w", err)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
			}
			url = "file://" + filepath.ToSlash(dir)
		}
		s, err := snapshot.OpenBlobStore(ctx, url, snapshot.WithPrefix(""))
		if err != nil {
			return nil, err
		}
		b.Snapshots = s
		b.closers = append(b.closers, s.Close)
	}
	return b, nil
}

// Close releases everything in reverse order of opening. Closing a journal
// twice is harmless, so this is safe after the kernel service stopped.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
