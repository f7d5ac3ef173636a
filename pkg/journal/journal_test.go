package journal_test

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adjust(i int) domain.Command {
	return domain.Command{
		Timestamp: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		Payload:   domain.StockAdjust{ProductID: "p1", Variant: "M", Amount: int64(i + 1), IsEntry: true},
	}
}

func appendN(t *testing.T, j journal.Journal, n int) {
	t.Helper()
	for i := range n {
		_, err := j.Append(context.Background(), adjust(i))
		require.NoError(t, err)
	}
}

func collect(it iter.Seq2[domain.Command, error]) ([]uint64, error) {
	var seqs []uint64
	for cmd, err := range it {
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, cmd.Sequence)
	}
	return seqs, nil
}

type factory func(t *testing.T) journal.Journal

func implementations() map[string]factory {
	return map[string]factory{
		"file": func(t *testing.T) journal.Journal {
			j, err := journal.OpenFile(t.TempDir(), journal.WithSegmentMaxBytes(256))
			require.NoError(t, err)
			t.Cleanup(func() { j.Close() })
			return j
		},
		"memory": func(t *testing.T) journal.Journal {
			return journal.NewMemory()
		},
	}
}

func TestAppendReplay(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := open(t)
			assert.Zero(t, j.LastSequence())

			for i := range 5 {
				seq, err := j.Append(ctx, adjust(i))
				require.NoError(t, err)
				assert.Equal(t, uint64(i+1), seq)
			}
			assert.Equal(t, uint64(5), j.LastSequence())

			seqs, err := collect(j.Replay(ctx, 0))
			require.NoError(t, err)
			assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)

			seqs, err = collect(j.Replay(ctx, 3))
			require.NoError(t, err)
			assert.Equal(t, []uint64{4, 5}, seqs)

			seqs, err = collect(j.Replay(ctx, 5))
			require.NoError(t, err)
			assert.Empty(t, seqs)

			// A journal behind the requested position yields nothing.
			seqs, err = collect(j.Replay(ctx, 9))
			require.NoError(t, err)
			assert.Empty(t, seqs)
		})
	}
}

func TestReplayPreservesPayload(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := open(t)
			in := adjust(7)
			_, err := j.Append(ctx, in)
			require.NoError(t, err)

			for cmd, err := range j.Replay(ctx, 0) {
				require.NoError(t, err)
				assert.Equal(t, uint64(1), cmd.Sequence)
				assert.True(t, in.Timestamp.Equal(cmd.Timestamp))
				assert.Equal(t, in.Payload, cmd.Payload)
			}
		})
	}
}

func TestReplayStopsEarly(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			j := open(t)
			appendN(t, j, 10)

			var seen int
			for _, err := range j.Replay(context.Background(), 0) {
				require.NoError(t, err)
				seen++
				if seen == 3 {
					break
				}
			}
			assert.Equal(t, 3, seen)
		})
	}
}

func TestCompact(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := open(t)
			appendN(t, j, 10)

			require.NoError(t, j.Compact(ctx, 6))
			assert.Equal(t, uint64(10), j.LastSequence())

			seqs, err := collect(j.Replay(ctx, 6))
			require.NoError(t, err)
			assert.Equal(t, []uint64{7, 8, 9, 10}, seqs)

			seq, err := j.Append(ctx, adjust(10))
			require.NoError(t, err)
			assert.Equal(t, uint64(11), seq, "compaction must not reset sequence numbers")

			require.Error(t, j.Compact(ctx, 12))
		})
	}
}

func TestCompactEverything(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := open(t)
			appendN(t, j, 4)

			require.NoError(t, j.Compact(ctx, 4))
			assert.Equal(t, uint64(4), j.LastSequence())

			seqs, err := collect(j.Replay(ctx, 4))
			require.NoError(t, err)
			assert.Empty(t, seqs)

			_, err = collect(j.Replay(ctx, 0))
			require.ErrorIs(t, err, domain.ErrCorruption)
		})
	}
}

func TestCancelledContext(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			j := open(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := j.Append(ctx, adjust(0))
			require.ErrorIs(t, err, context.Canceled)
			assert.Zero(t, j.LastSequence())
		})
	}
}

func TestClosed(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := open(t)
			appendN(t, j, 2)
			require.NoError(t, j.Close())

			_, err := j.Append(ctx, adjust(0))
			require.ErrorIs(t, err, journal.ErrClosed)
			require.ErrorIs(t, j.Compact(ctx, 1), journal.ErrClosed)
			_, err = collect(j.Replay(ctx, 0))
			require.ErrorIs(t, err, journal.ErrClosed)
		})
	}
}

func segmentPath(dir string, first uint64) string {
	return filepath.Join(dir, "journal-"+padded(first)+".log")
}

func padded(n uint64) string {
	s := []byte("00000000000000000000")
	for i := len(s) - 1; n > 0; i-- {
		s[i] = byte('0' + n%10)
		n /= 10
	}
	return string(s)
}

func TestFileReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := journal.OpenFile(dir)
	require.NoError(t, err)
	appendN(t, j, 3)
	require.NoError(t, j.Close())

	j, err = journal.OpenFile(dir)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(3), j.LastSequence())

	seq, err := j.Append(ctx, adjust(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestFileTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := journal.OpenFile(dir)
	require.NoError(t, err)
	appendN(t, j, 100)
	require.NoError(t, j.Close())

	// Crash in the middle of writing frame 101: the header promises more
	// bytes than ever reached the disk.
	path := segmentPath(dir, 1)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 40, 0xde, 0xad, 0xbe, 0xef, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = journal.OpenFile(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), j.LastSequence())

	seqs, err := collect(j.Replay(ctx, 0))
	require.NoError(t, err)
	assert.Len(t, seqs, 100)

	seq, err := j.Append(ctx, adjust(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(101), seq)
	require.NoError(t, j.Close())

	j, err = journal.OpenFile(dir)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(101), j.LastSequence())
}

func TestFileBadChecksumAtTail(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.OpenFile(dir)
	require.NoError(t, err)
	appendN(t, j, 3)
	require.NoError(t, j.Close())

	path := segmentPath(dir, 1)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0o644))

	j, err = journal.OpenFile(dir)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(2), j.LastSequence())
}

func TestFileCorruptFrameInsideActiveSegment(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.OpenFile(dir)
	require.NoError(t, err)
	appendN(t, j, 3)
	require.NoError(t, j.Close())

	// Damage the body of frame 1; frames 2 and 3 are intact behind it.
	path := segmentPath(dir, 1)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[12] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = journal.OpenFile(dir)
	require.ErrorIs(t, err, domain.ErrCorruption)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, after, len(b), "acknowledged frames must not be truncated")
}

func TestFileCorruptionBeforeTail(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.OpenFile(dir, journal.WithSegmentMaxBytes(1))
	require.NoError(t, err)
	appendN(t, j, 3)
	require.NoError(t, j.Close())

	path := segmentPath(dir, 1)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = journal.OpenFile(dir)
	require.ErrorIs(t, err, domain.ErrCorruption)
}

func TestFileMissingSegment(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.OpenFile(dir, journal.WithSegmentMaxBytes(1))
	require.NoError(t, err)
	appendN(t, j, 3)
	require.NoError(t, j.Close())

	require.NoError(t, os.Remove(segmentPath(dir, 2)))

	_, err = journal.OpenFile(dir)
	require.ErrorIs(t, err, domain.ErrCorruption)
}

func TestFileSegmentCompaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := journal.OpenFile(dir, journal.WithSegmentMaxBytes(1))
	require.NoError(t, err)
	appendN(t, j, 5)
	assert.Equal(t, 5, j.Segments())

	require.NoError(t, j.Compact(ctx, 3))
	assert.Equal(t, 3, j.Segments())
	assert.NoFileExists(t, segmentPath(dir, 1))
	assert.NoFileExists(t, segmentPath(dir, 3))
	assert.FileExists(t, segmentPath(dir, 6))

	seqs, err := collect(j.Replay(ctx, 3))
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, seqs)
	require.NoError(t, j.Close())

	j, err = journal.OpenFile(dir, journal.WithSegmentMaxBytes(1))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(5), j.LastSequence())

	seq, err := j.Append(ctx, adjust(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}
