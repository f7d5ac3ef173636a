package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/plaenen/atelier/pkg/codec"
	"github.com/plaenen/atelier/pkg/domain"
)

const (
	segmentPrefix = "journal-"
	segmentSuffix = ".log"

	// DefaultSegmentMaxBytes is the size after which appends roll over to a
	// new segment file.
	DefaultSegmentMaxBytes int64 = 64 << 20
)

type fileOptions struct {
	segmentMaxBytes int64
	logger          *slog.Logger
}

// FileOption configures a FileJournal.
type FileOption func(*fileOptions)

// WithSegmentMaxBytes sets the segment roll-over size.
func WithSegmentMaxBytes(n int64) FileOption {
	return func(o *fileOptions) {
		if n > 0 {
			o.segmentMaxBytes = n
		}
	}
}

// WithLogger sets the logger used for recovery warnings.
func WithLogger(logger *slog.Logger) FileOption {
	return func(o *fileOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type segment struct {
	first uint64
	last  uint64 // first-1 when empty
	path  string
}

func (s segment) empty() bool { return s.last < s.first }

// FileJournal stores commands in segment files named
// journal-<first sequence>.log inside a directory. Every frame is
// length-prefixed and carries a CRC-32C of its body.
type FileJournal struct {
	mu       sync.Mutex
	dir      string
	opts     fileOptions
	segments []segment
	active   *os.File
	size     int64
	last     uint64
	closed   bool
}

var _ Journal = (*FileJournal)(nil)

// OpenFile opens or creates a file journal in dir. A partly written frame at
// the end of the last segment is an append that never completed; it is
// truncated away. Any other damage is reported as corruption.
func OpenFile(dir string, opts ...FileOption) (*FileJournal, error) {
	o := fileOptions{
		segmentMaxBytes: DefaultSegmentMaxBytes,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &FileJournal{dir: dir, opts: o}
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	if len(segments) == 0 {
		if err := j.createSegment(1); err != nil {
			return nil, err
		}
		return j, nil
	}

	for i := range segments {
		tail := i == len(segments)-1
		if err := j.scanSegment(&segments[i], tail); err != nil {
			return nil, err
		}
		if i > 0 && segments[i].first != segments[i-1].last+1 {
			return nil, corruptf("segment %s starts at %d, previous segment ends at %d",
				filepath.Base(segments[i].path), segments[i].first, segments[i-1].last)
		}
	}

	tail := segments[len(segments)-1]
	f, err := os.OpenFile(tail.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat journal segment: %w", err)
	}

	j.segments = segments
	j.active = f
	j.size = info.Size()
	j.last = tail.last
	return j, nil
}

func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}
	var segments []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		first, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil || first == 0 {
			return nil, corruptf("unexpected journal file %q", name)
		}
		segments = append(segments, segment{first: first, last: first - 1, path: filepath.Join(dir, name)})
	}
	sort.Slice(segments, func(a, b int) bool { return segments[a].first < segments[b].first })
	return segments, nil
}

func segmentName(first uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, first, segmentSuffix)
}

// scanSegment walks every frame of s, verifying checksums and sequence
// numbers, and sets s.last.
func (j *FileJournal) scanSegment(s *segment, tail bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open journal segment: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal segment: %w", err)
	}

	r := bufio.NewReader(f)
	seq := sequencer{next: s.first}
	var offset int64
	for {
		body, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		var bad *frameError
		if errors.As(err, &bad) {
			// Only the last write of the active segment can be interrupted.
			if tail && bad.torn(offset, info.Size()) {
				return j.truncateTail(s, offset, err)
			}
			return corruptf("%s at offset %d: %v", filepath.Base(s.path), offset, err)
		}
		if err != nil {
			return fmt.Errorf("failed to read journal segment: %w", err)
		}

		cmd, err := codec.DecodeCommand(body)
		if err != nil {
			return corruptf("%s at offset %d: %v", filepath.Base(s.path), offset, err)
		}
		if err := seq.check(cmd.Sequence); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(s.path), err)
		}
		s.last = cmd.Sequence
		offset += int64(frameHeaderSize + len(body))
	}
	return nil
}

func (j *FileJournal) truncateTail(s *segment, offset int64, cause error) error {
	j.opts.logger.Warn("truncating incomplete journal frame",
		slog.String("segment", filepath.Base(s.path)),
		slog.Int64("offset", offset),
		slog.Uint64("last_sequence", s.last),
		slog.String("reason", cause.Error()))

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal segment for repair: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate journal segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal segment: %w", err)
	}
	return nil
}

// createSegment starts a new, empty active segment beginning at first.
// Callers hold j.mu or own j exclusively.
func (j *FileJournal) createSegment(first uint64) error {
	path := filepath.Join(j.dir, segmentName(first))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create journal segment: %w", err)
	}
	if err := syncDir(j.dir); err != nil {
		f.Close()
		return err
	}

	if j.active != nil {
		if err := j.active.Close(); err != nil {
			j.opts.logger.Warn("failed to close journal segment", slog.Any("error", err))
		}
	}
	j.active = f
	j.size = 0
	j.last = first - 1
	j.segments = append(j.segments, segment{first: first, last: first - 1, path: path})
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open journal directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal directory: %w", err)
	}
	return nil
}

// Append implements Journal.
func (j *FileJournal) Append(ctx context.Context, cmd domain.Command) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	seq := j.last + 1
	cmd.Sequence = seq
	body, err := codec.EncodeCommand(cmd)
	if err != nil {
		return 0, err
	}

	if j.size > 0 && j.size+int64(frameHeaderSize+len(body)) > j.opts.segmentMaxBytes {
		if err := j.active.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync journal segment: %w", err)
		}
		if err := j.createSegment(seq); err != nil {
			return 0, err
		}
	}

	frame := appendFrame(make([]byte, 0, frameHeaderSize+len(body)), body)
	if _, err := j.active.Write(frame); err != nil {
		return 0, j.rollback(fmt.Errorf("failed to write journal frame: %w", err))
	}
	if err := j.active.Sync(); err != nil {
		return 0, j.rollback(fmt.Errorf("failed to sync journal frame: %w", err))
	}

	j.size += int64(len(frame))
	j.last = seq
	j.segments[len(j.segments)-1].last = seq
	return seq, nil
}

// rollback cuts the active segment back to its last durable frame.
func (j *FileJournal) rollback(cause error) error {
	if err := j.active.Truncate(j.size); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to truncate journal segment: %w", err))
	}
	return cause
}

// Replay implements Journal.
func (j *FileJournal) Replay(ctx context.Context, from uint64) iter.Seq2[domain.Command, error] {
	return func(yield func(domain.Command, error) bool) {
		j.mu.Lock()
		if j.closed {
			j.mu.Unlock()
			yield(domain.Command{}, ErrClosed)
			return
		}
		segments := append([]segment(nil), j.segments...)
		upTo := j.last
		j.mu.Unlock()

		if from >= upTo {
			return
		}
		if segments[0].first > from+1 {
			yield(domain.Command{}, corruptf("journal starts at sequence %d, replay needs %d", segments[0].first, from+1))
			return
		}

		seq := sequencer{next: from + 1}
		for _, s := range segments {
			if s.empty() || s.last <= from {
				continue
			}
			if !replaySegment(ctx, s, from, upTo, &seq, yield) {
				return
			}
			if seq.next > upTo {
				return
			}
		}
		if seq.next <= upTo {
			yield(domain.Command{}, corruptf("journal ends at sequence %d, expected %d", seq.next-1, upTo))
		}
	}
}

// replaySegment yields the commands of s in (from, upTo]. It returns false
// when iteration must stop.
func replaySegment(ctx context.Context, s segment, from, upTo uint64, seq *sequencer, yield func(domain.Command, error) bool) bool {
	f, err := os.Open(s.path)
	if err != nil {
		yield(domain.Command{}, fmt.Errorf("failed to open journal segment: %w", err))
		return false
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			yield(domain.Command{}, err)
			return false
		}

		body, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			yield(domain.Command{}, corruptf("%s: %v", filepath.Base(s.path), err))
			return false
		}
		cmd, err := codec.DecodeCommand(body)
		if err != nil {
			yield(domain.Command{}, corruptf("%s: %v", filepath.Base(s.path), err))
			return false
		}
		if cmd.Sequence <= from {
			continue
		}
		if err := seq.check(cmd.Sequence); err != nil {
			yield(domain.Command{}, err)
			return false
		}
		if !yield(cmd, nil) {
			return false
		}
		if cmd.Sequence >= upTo {
			return true
		}
	}
}

// Compact implements Journal. It rolls the log over to a fresh segment and
// removes every older segment that lies entirely at or before asOf.
func (j *FileJournal) Compact(ctx context.Context, asOf uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if asOf > j.last {
		return fmt.Errorf("cannot compact to sequence %d beyond last sequence %d", asOf, j.last)
	}

	if j.size > 0 {
		if err := j.active.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal segment: %w", err)
		}
		if err := j.createSegment(j.last + 1); err != nil {
			return err
		}
	}

	active := len(j.segments) - 1
	kept := j.segments[:0]
	var removed int
	for i, s := range j.segments {
		if i != active && s.last <= asOf {
			if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				j.segments = append(kept, j.segments[i:]...)
				return fmt.Errorf("failed to remove journal segment: %w", err)
			}
			removed++
			continue
		}
		kept = append(kept, s)
	}
	j.segments = kept

	if removed > 0 {
		if err := syncDir(j.dir); err != nil {
			return err
		}
		j.opts.logger.Debug("journal compacted",
			slog.Uint64("as_of", asOf),
			slog.Int("segments_removed", removed))
	}
	return nil
}

// LastSequence implements Journal.
func (j *FileJournal) LastSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Segments returns the number of segment files currently in use.
func (j *FileJournal) Segments() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.segments)
}

// Close flushes and closes the active segment.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.active.Sync(); err != nil {
		j.active.Close()
		return fmt.Errorf("failed to sync journal segment: %w", err)
	}
	return j.active.Close()
}
