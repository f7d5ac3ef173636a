package journal

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/plaenen/atelier/pkg/codec"
	"github.com/plaenen/atelier/pkg/domain"
)

// MemoryJournal keeps encoded frames in memory. It goes through the same
// codec as the durable journals, which makes it suitable for tests and for
// exercising replay without touching disk.
type MemoryJournal struct {
	mu     sync.Mutex
	frames [][]byte
	first  uint64 // sequence number of frames[0]
	closed bool
}

var _ Journal = (*MemoryJournal)(nil)

// NewMemory creates an empty in-memory journal.
func NewMemory() *MemoryJournal {
	return &MemoryJournal{first: 1}
}

func (m *MemoryJournal) Append(ctx context.Context, cmd domain.Command) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	cmd.Sequence = m.first + uint64(len(m.frames))
	body, err := codec.EncodeCommand(cmd)
	if err != nil {
		return 0, err
	}
	m.frames = append(m.frames, body)
	return cmd.Sequence, nil
}

func (m *MemoryJournal) Replay(ctx context.Context, from uint64) iter.Seq2[domain.Command, error] {
	return func(yield func(domain.Command, error) bool) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			yield(domain.Command{}, ErrClosed)
			return
		}
		frames := m.frames
		first := m.first
		m.mu.Unlock()

		if from+1 < first {
			yield(domain.Command{}, corruptf("journal starts at sequence %d, replay needs %d", first, from+1))
			return
		}

		seq := sequencer{next: from + 1}
		for i, body := range frames {
			if first+uint64(i) <= from {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(domain.Command{}, err)
				return
			}
			cmd, err := codec.DecodeCommand(body)
			if err != nil {
				yield(domain.Command{}, corruptf("frame %d: %v", first+uint64(i), err))
				return
			}
			if err := seq.check(cmd.Sequence); err != nil {
				yield(domain.Command{}, err)
				return
			}
			if !yield(cmd, nil) {
				return
			}
		}
	}
}

func (m *MemoryJournal) Compact(ctx context.Context, asOf uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	last := m.first + uint64(len(m.frames)) - 1
	if asOf > last {
		return fmt.Errorf("cannot compact to sequence %d beyond last sequence %d", asOf, last)
	}
	if asOf < m.first {
		return nil
	}
	drop := asOf - m.first + 1
	m.frames = append([][]byte(nil), m.frames[drop:]...)
	m.first = asOf + 1
	return nil
}

func (m *MemoryJournal) LastSequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first + uint64(len(m.frames)) - 1
}

func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
