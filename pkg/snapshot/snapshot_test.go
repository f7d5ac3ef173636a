package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/journal"
	"github.com/plaenen/atelier/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
)

func state(asOf uint64) domain.State {
	return domain.State{
		AsOf:    asOf,
		TakenAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Products: []domain.Product{
			{ID: "p1", SKU: "SKU-1", Name: "Falda", Category: domain.CategoryGarment, Stock: map[string]int64{"M": int64(asOf)}},
		},
		Orders: []domain.Order{},
	}
}

func memStore(t *testing.T) *snapshot.BlobStore {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	return snapshot.NewBlobStore(bucket)
}

func TestBlobStoreLatest(t *testing.T) {
	ctx := context.Background()
	s := memStore(t)

	_, err := s.Latest(ctx)
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	for _, asOf := range []uint64{5, 120, 17} {
		require.NoError(t, s.Save(ctx, state(asOf)))
	}

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, state(120), got)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, []uint64{120, 17, 5}, []uint64{infos[0].AsOf, infos[1].AsOf, infos[2].AsOf})
	assert.Positive(t, infos[0].Size)
}

func TestBlobStorePrune(t *testing.T) {
	ctx := context.Background()
	s := memStore(t)
	for asOf := uint64(1); asOf <= 6; asOf++ {
		require.NoError(t, s.Save(ctx, state(asOf)))
	}

	require.NoError(t, s.Prune(ctx, 2))
	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(6), infos[0].AsOf)
	assert.Equal(t, uint64(5), infos[1].AsOf)

	require.NoError(t, s.Prune(ctx, 0))
	infos, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestBlobStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	bucket, err := fileblob.OpenBucket(dir, nil)
	require.NoError(t, err)
	s := snapshot.NewBlobStore(bucket, snapshot.WithPrefix("kernel"))
	require.NoError(t, s.Save(ctx, state(9)))
	require.NoError(t, bucket.Close())

	reopened, err := snapshot.OpenBlobStore(ctx, "file://"+dir, snapshot.WithPrefix("kernel"))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.AsOf)
	assert.Equal(t, int64(9), got.Products[0].Stock["M"])
}

func TestBlobStoreRejectsDamagedSnapshot(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	s := snapshot.NewBlobStore(bucket, snapshot.WithPrefix(""))

	require.NoError(t, bucket.WriteAll(ctx, "00000000000000000003.snap", []byte("not a snapshot"), nil))
	_, err := s.Latest(ctx)
	require.Error(t, err)
}

func TestIntervalStrategy(t *testing.T) {
	s := snapshot.NewIntervalStrategy(100)
	assert.False(t, s.ShouldSnapshot(99, 99))
	assert.True(t, s.ShouldSnapshot(100, 100))
	assert.True(t, s.ShouldSnapshot(250, 150))

	assert.False(t, snapshot.NewIntervalStrategy(0).ShouldSnapshot(1_000, 1_000))
}

func TestWriterCompactsAndPrunes(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	for i := range 10 {
		_, err := j.Append(ctx, domain.Command{
			Timestamp: time.Unix(int64(i), 0).UTC(),
			Payload:   domain.ProductDelete{ID: "p"},
		})
		require.NoError(t, err)
	}

	s := memStore(t)
	w := snapshot.NewWriter(s, j, snapshot.WithRetain(2))

	for _, asOf := range []uint64{4, 7, 10} {
		require.NoError(t, w.Write(ctx, state(asOf)))
	}

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(10), infos[0].AsOf)

	var replayed int
	for _, err := range j.Replay(ctx, 10) {
		require.NoError(t, err)
		replayed++
	}
	assert.Zero(t, replayed)
	assert.Equal(t, uint64(10), j.LastSequence())
}

func TestWriterSurfacesCompactionFailure(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	s := memStore(t)
	w := snapshot.NewWriter(s, j)

	// The journal has nothing at sequence 3, so compaction must fail, but
	// the snapshot itself is kept.
	err := w.Write(ctx, state(3))
	require.Error(t, err)

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.AsOf)
}
