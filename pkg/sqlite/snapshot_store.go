package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/atelier/pkg/codec"
	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/snapshot"
)

// SnapshotStore implements snapshot.Store using SQLite.
type SnapshotStore struct {
	db *sql.DB
}

var _ snapshot.Store = (*SnapshotStore)(nil)

// NewSnapshotStore creates a new SQLite-backed snapshot store.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save implements snapshot.Store.
func (s *SnapshotStore) Save(ctx context.Context, state domain.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (as_of, taken_at, products, orders, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (as_of) DO UPDATE SET
			taken_at = excluded.taken_at,
			products = excluded.products,
			orders   = excluded.orders,
			data     = excluded.data`,
		int64(state.AsOf), state.TakenAt.UnixMilli(),
		len(state.Products), len(state.Orders), codec.EncodeSnapshot(state))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Latest implements snapshot.Store.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.State, error) {
	var (
		asOf int64
		data []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT as_of, data FROM snapshots ORDER BY as_of DESC LIMIT 1`,
	).Scan(&asOf, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.State{}, snapshot.ErrNotFound
		}
		return domain.State{}, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	state, err := codec.DecodeSnapshot(data)
	if err != nil {
		return domain.State{}, fmt.Errorf("snapshot %d: %w", asOf, err)
	}
	if state.AsOf != uint64(asOf) {
		return domain.State{}, fmt.Errorf("%w: snapshot row %d holds state as of %d",
			domain.ErrCorruption, asOf, state.AsOf)
	}
	return state, nil
}

// List implements snapshot.Store.
func (s *SnapshotStore) List(ctx context.Context) ([]snapshot.Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT as_of, taken_at, length(data) FROM snapshots ORDER BY as_of DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []snapshot.Info
	for rows.Next() {
		var asOf, takenAt, size int64
		if err := rows.Scan(&asOf, &takenAt, &size); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		infos = append(infos, snapshot.Info{
			AsOf:    uint64(asOf),
			TakenAt: time.UnixMilli(takenAt).UTC(),
			Size:    size,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return infos, nil
}

// Prune implements snapshot.Store.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE as_of NOT IN (SELECT as_of FROM snapshots ORDER BY as_of DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	return nil
}
