package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/plaenen/atelier/pkg/codec"
	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/journal"
)

const replayBatchSize = 256

// Journal is a journal.Journal stored in the journal table. Each append is
// its own transaction; with synchronous=FULL a committed row is durable.
type Journal struct {
	db     *sql.DB
	mu     sync.Mutex
	last   uint64
	closed bool
}

var _ journal.Journal = (*Journal)(nil)

// NewJournal opens the journal in db. The schema must already be applied,
// which Open does by default.
func NewJournal(ctx context.Context, db *sql.DB) (*Journal, error) {
	var last int64
	err := db.QueryRowContext(ctx, `SELECT high_water FROM journal_meta WHERE id = 1`).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal high-water mark: %w", err)
	}
	return &Journal{db: db, last: uint64(last)}, nil
}

// Append implements journal.Journal.
func (j *Journal) Append(ctx context.Context, cmd domain.Command) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cmd.Payload == nil {
		return 0, fmt.Errorf("append: nil payload")
	}
	payload, err := codec.EncodePayload(cmd.Payload)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, journal.ErrClosed
	}

	seq := j.last + 1
	// The append runs to completion once started; only the check above
	// honours cancellation.
	txCtx := context.WithoutCancel(ctx)
	tx, err := j.db.BeginTx(txCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(txCtx,
		`INSERT INTO journal (seq, ts, cmd_type, payload) VALUES (?, ?, ?, ?)`,
		int64(seq), cmd.Timestamp.UnixMilli(), string(cmd.Type()), payload,
	); err != nil {
		return 0, fmt.Errorf("failed to insert journal entry: %w", err)
	}
	if _, err := tx.ExecContext(txCtx,
		`UPDATE journal_meta SET high_water = ? WHERE id = 1`, int64(seq),
	); err != nil {
		return 0, fmt.Errorf("failed to advance journal high-water mark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit journal entry: %w", err)
	}

	j.last = seq
	return seq, nil
}

type row struct {
	seq     int64
	ts      int64
	typ     string
	payload []byte
}

// Replay implements journal.Journal. Rows are fetched in batches and no
// cursor stays open while the caller consumes them.
func (j *Journal) Replay(ctx context.Context, from uint64) iter.Seq2[domain.Command, error] {
	return func(yield func(domain.Command, error) bool) {
		j.mu.Lock()
		upTo, closed := j.last, j.closed
		j.mu.Unlock()
		if closed {
			yield(domain.Command{}, journal.ErrClosed)
			return
		}

		next := from + 1
		for next <= upTo {
			batch, err := j.fetch(ctx, next-1, upTo)
			if err != nil {
				yield(domain.Command{}, err)
				return
			}
			if len(batch) == 0 {
				yield(domain.Command{}, fmt.Errorf("%w: journal ends at sequence %d, expected %d",
					domain.ErrCorruption, next-1, upTo))
				return
			}

			for _, r := range batch {
				if uint64(r.seq) != next {
					yield(domain.Command{}, fmt.Errorf("%w: journal gap: expected sequence %d, found %d",
						domain.ErrCorruption, next, r.seq))
					return
				}
				payload, err := codec.DecodePayload(domain.CommandType(r.typ), r.payload)
				if err != nil {
					yield(domain.Command{}, fmt.Errorf("%w: sequence %d: %v", domain.ErrCorruption, r.seq, err))
					return
				}
				cmd := domain.Command{
					Sequence:  uint64(r.seq),
					Timestamp: time.UnixMilli(r.ts).UTC(),
					Payload:   payload,
				}
				if !yield(cmd, nil) {
					return
				}
				next++
			}
		}
	}
}

func (j *Journal) fetch(ctx context.Context, after, upTo uint64) ([]row, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, ts, cmd_type, payload FROM journal WHERE seq > ? AND seq <= ? ORDER BY seq LIMIT ?`,
		int64(after), int64(upTo), replayBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.seq, &r.ts, &r.typ, &r.payload); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return batch, nil
}

// Compact implements journal.Journal.
func (j *Journal) Compact(ctx context.Context, asOf uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return journal.ErrClosed
	}
	if asOf > j.last {
		return fmt.Errorf("cannot compact to sequence %d beyond last sequence %d", asOf, j.last)
	}
	if _, err := j.db.ExecContext(ctx, `DELETE FROM journal WHERE seq <= ?`, int64(asOf)); err != nil {
		return fmt.Errorf("failed to compact journal: %w", err)
	}
	return nil
}

// LastSequence implements journal.Journal.
func (j *Journal) LastSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Close stops the journal. The database handle stays open; it belongs to
// whoever called Open.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}
