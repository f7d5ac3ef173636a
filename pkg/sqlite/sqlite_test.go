package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/journal"
	"github.com/plaenen/atelier/pkg/snapshot"
	"github.com/plaenen/atelier/pkg/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func command(i int) domain.Command {
	return domain.Command{
		Timestamp: time.Date(2026, 2, 1, 8, 0, i, 0, time.UTC),
		Payload:   domain.StockAdjust{ProductID: "p1", Variant: "L", Amount: int64(i + 1)},
	}
}

func collect(t *testing.T, j journal.Journal, from uint64) ([]domain.Command, error) {
	t.Helper()
	var out []domain.Command
	for cmd, err := range j.Replay(context.Background(), from) {
		if err != nil {
			return out, err
		}
		out = append(out, cmd)
	}
	return out, nil
}

func TestOpenAppliesSchema(t *testing.T) {
	db := openMemory(t)

	for _, table := range []string{"journal", "journal_meta", "snapshots"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}

	// Migrating twice is a no-op.
	require.NoError(t, sqlite.Migrate(context.Background(), db))
}

func TestJournalAppendReplay(t *testing.T) {
	ctx := context.Background()
	j, err := sqlite.NewJournal(ctx, openMemory(t))
	require.NoError(t, err)
	assert.Zero(t, j.LastSequence())

	// More than one replay batch.
	for i := range 600 {
		seq, err := j.Append(ctx, command(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), seq)
	}

	cmds, err := collect(t, j, 0)
	require.NoError(t, err)
	require.Len(t, cmds, 600)
	for i, cmd := range cmds {
		assert.Equal(t, uint64(i+1), cmd.Sequence)
	}
	assert.Equal(t, command(599).Payload, cmds[599].Payload)
	assert.True(t, command(599).Timestamp.Equal(cmds[599].Timestamp))

	cmds, err = collect(t, j, 598)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func TestJournalCompactKeepsNumbering(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	j, err := sqlite.NewJournal(ctx, db)
	require.NoError(t, err)
	for i := range 10 {
		_, err := j.Append(ctx, command(i))
		require.NoError(t, err)
	}

	require.NoError(t, j.Compact(ctx, 10))
	require.Error(t, j.Compact(ctx, 11))

	// A fresh handle on the same database resumes after the high-water mark.
	reopened, err := sqlite.NewJournal(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), reopened.LastSequence())

	seq, err := reopened.Append(ctx, command(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)

	cmds, err := collect(t, reopened, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	_, err = collect(t, reopened, 3)
	require.ErrorIs(t, err, domain.ErrCorruption)
}

func TestJournalDetectsGap(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	j, err := sqlite.NewJournal(ctx, db)
	require.NoError(t, err)
	for i := range 5 {
		_, err := j.Append(ctx, command(i))
		require.NoError(t, err)
	}

	_, err = db.Exec("DELETE FROM journal WHERE seq = 3")
	require.NoError(t, err)

	cmds, err := collect(t, j, 0)
	require.ErrorIs(t, err, domain.ErrCorruption)
	assert.Len(t, cmds, 2)
}

func TestJournalOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	db, err := sqlite.Open(ctx, sqlite.WithDSN(path))
	require.NoError(t, err)
	j, err := sqlite.NewJournal(ctx, db)
	require.NoError(t, err)
	for i := range 3 {
		_, err := j.Append(ctx, command(i))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())
	require.NoError(t, db.Close())

	db, err = sqlite.Open(ctx, sqlite.WithDSN(path))
	require.NoError(t, err)
	defer db.Close()
	j, err = sqlite.NewJournal(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), j.LastSequence())

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()
	s := sqlite.NewSnapshotStore(openMemory(t))

	_, err := s.Latest(ctx)
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	taken := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	for _, asOf := range []uint64{3, 9, 6} {
		require.NoError(t, s.Save(ctx, domain.State{
			AsOf:     asOf,
			TakenAt:  taken,
			Products: []domain.Product{{ID: "p1", SKU: "A", Name: "Botón", Category: domain.CategorySupply, Stock: map[string]int64{"U": int64(asOf)}}},
			Orders:   []domain.Order{},
		}))
	}

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.AsOf)
	assert.Equal(t, int64(9), got.Products[0].Stock["U"])
	assert.True(t, taken.Equal(got.TakenAt))

	require.NoError(t, s.Prune(ctx, 2))
	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(9), infos[0].AsOf)
	assert.Equal(t, uint64(6), infos[1].AsOf)
	assert.Positive(t, infos[0].Size)
}
