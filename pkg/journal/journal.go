// Package journal is the append-only command log. A command is durable once
// Append returns; replaying the journal on top of the latest snapshot
// reproduces the in-memory state exactly.
package journal

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/plaenen/atelier/pkg/domain"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

// Journal is a durable, gapless sequence of commands.
type Journal interface {
	// Append assigns the next sequence number to cmd, writes it and flushes
	// it to stable storage. On error nothing was recorded and the sequence
	// counter has not moved.
	Append(ctx context.Context, cmd domain.Command) (uint64, error)

	// Replay yields every command with a sequence number greater than from,
	// in ascending order. The iterator is finite: it stops at the last
	// sequence number present when iteration began. A gap is reported as an
	// error wrapping domain.ErrCorruption.
	Replay(ctx context.Context, from uint64) iter.Seq2[domain.Command, error]

	// Compact discards commands at or before asOf. Callers only compact after
	// a snapshot covering asOf has been saved.
	Compact(ctx context.Context, asOf uint64) error

	// LastSequence returns the sequence number of the last appended command,
	// or the compaction high-water mark if the journal is empty.
	LastSequence() uint64

	Close() error
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrCorruption, fmt.Sprintf(format, args...))
}

// sequencer checks that replayed sequence numbers are contiguous.
type sequencer struct {
	next uint64
}

func (s *sequencer) check(seq uint64) error {
	if seq != s.next {
		return corruptf("journal gap: expected sequence %d, found %d", s.next, seq)
	}
	s.next++
	return nil
}
