// Package kernel serializes every mutation of the domain store through the
// journal. A command is validated against the current state, appended to
// the journal, and only then applied in memory, so the store never holds a
// change the journal could lose.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/journal"
	"github.com/plaenen/atelier/pkg/notify"
	"github.com/plaenen/atelier/pkg/observability"
	"github.com/plaenen/atelier/pkg/validators"
)

// ErrNoSnapshotWriter is returned by Checkpoint on a Coordinator built
// without WithSnapshotWriter.
var ErrNoSnapshotWriter = errors.New("no snapshot writer configured")

// Coordinator owns the domain store and the journal. Writes take the
// exclusive lock for validation, append and apply; reads take the shared
// lock and never see a half-applied command.
type Coordinator struct {
	mu      sync.RWMutex
	store   *domain.Store
	journal journal.Journal
	opts    options

	// failure is set when a durable command could not be applied. From
	// then on the coordinator only serves reads.
	failure error

	lastSnapshot uint64
	snapshotDue  chan struct{}

	checkpointMu sync.Mutex
}

// NewCoordinator creates a coordinator over an already recovered store. The
// store's sequence must equal the journal's last sequence.
func NewCoordinator(store *domain.Store, j journal.Journal, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Coordinator{
		store:       store,
		journal:     j,
		opts:        o,
		snapshotDue: make(chan struct{}, 1),
	}
}

func (c *Coordinator) now() time.Time {
	return c.opts.clock().UTC().Truncate(time.Millisecond)
}

// Execute validates payload, makes it durable and applies it. It returns
// the sequence number the command was journaled under.
//
// Validation and business rule failures are returned before anything is
// written. A journal failure is returned as domain.ErrDurability and leaves
// the store untouched; the same payload can be retried.
func (c *Coordinator) Execute(ctx context.Context, payload domain.Payload) (seq uint64, err error) {
	start := time.Now()
	var commandType domain.CommandType
	if payload != nil {
		commandType = payload.CommandType()
	}

	ctx, span := observability.StartSpan(ctx, c.opts.tracer, "kernel.Execute",
		observability.WithAttributes(observability.AttrCommandType.String(string(commandType))))
	defer func() {
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
		} else {
			span.SetAttributes(observability.AttrSequence.Int64(int64(seq)))
		}
		observability.EndSpan(span, err)
		c.opts.metrics.RecordCommand(ctx, string(commandType), time.Since(start), err)
	}()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	payload, err = c.prepare(payload)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(observability.AttrEntityID.StringSlice(payload.EntityIDs()))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure != nil {
		return 0, c.failure
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.store.Check(payload); err != nil {
		return 0, err
	}

	cmd := domain.Command{Timestamp: c.now(), Payload: payload}

	// Once the lock is held the command runs to completion.
	appendStart := time.Now()
	seq, err = c.journal.Append(context.WithoutCancel(ctx), cmd)
	c.opts.metrics.RecordJournalOperation(ctx, "append", time.Since(appendStart), err)
	if err != nil {
		return 0, &domain.Error{
			Kind:        domain.ErrDurability,
			CommandType: commandType,
			Message:     "journal append failed, nothing was committed",
			Err:         err,
		}
	}
	cmd.Sequence = seq

	if err := c.store.Apply(cmd); err != nil {
		c.failure = &domain.Error{
			Kind:        domain.ErrCorruption,
			CommandType: commandType,
			Field:       "sequence",
			Message:     fmt.Sprintf("command %d is journaled but could not be applied, refusing further writes", seq),
			Err:         err,
		}
		c.opts.logger.Error("store diverged from journal",
			slog.Uint64("sequence", seq),
			slog.String("command_type", string(commandType)),
			slog.Any("error", err))
		return 0, c.failure
	}

	for _, change := range notify.Changes(cmd) {
		if err := c.opts.notifier.Notify(ctx, change); err != nil {
			c.opts.logger.Debug("change notification not delivered",
				slog.Uint64("sequence", seq),
				slog.Any("error", err))
		}
	}

	if c.opts.strategy != nil && c.opts.strategy.ShouldSnapshot(seq, seq-c.lastSnapshot) {
		select {
		case c.snapshotDue <- struct{}{}:
		default:
		}
	}
	return seq, nil
}

// prepare assigns ids to created entities, then normalizes and validates
// the payload shape. Generated ids are part of the journaled payload.
func (c *Coordinator) prepare(payload domain.Payload) (domain.Payload, error) {
	switch p := payload.(type) {
	case domain.ProductCreate:
		if strings.TrimSpace(p.ID) == "" {
			id, err := c.opts.ids.NewID(c.opts.clock())
			if err != nil {
				return nil, fmt.Errorf("failed to generate product id: %w", err)
			}
			p.ID = id
		}
		payload = p
	case domain.OrderCreate:
		if strings.TrimSpace(p.ID) == "" {
			id, err := c.opts.ids.NewID(c.opts.clock())
			if err != nil {
				return nil, fmt.Errorf("failed to generate order id: %w", err)
			}
			p.ID = id
		}
		payload = p
	}
	return validators.Prepare(payload)
}

// Err returns the corruption error that made the coordinator read-only, or
// nil.
func (c *Coordinator) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failure
}

// Sequence returns the sequence number of the last applied command.
func (c *Coordinator) Sequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Sequence()
}

// Products returns all products sorted by id.
func (c *Coordinator) Products() []domain.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Products()
}

// Orders returns all orders sorted by id.
func (c *Coordinator) Orders() []domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Orders()
}

// Product returns one product.
func (c *Coordinator) Product(id string) (domain.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Product(id)
}

// Order returns one order.
func (c *Coordinator) Order(id string) (domain.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Order(id)
}

// Calendar returns orders due in [from, to) grouped by day.
func (c *Coordinator) Calendar(from, to time.Time) []domain.CalendarDay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Calendar(from, to)
}

// State captures the whole store at an exact sequence boundary.
func (c *Coordinator) State() domain.State {
	// Exclusive, so no command is between append and apply.
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.store.Snapshot()
	state.TakenAt = c.now()
	return state
}

// SnapshotDue is signalled when the snapshot strategy asks for a checkpoint.
func (c *Coordinator) SnapshotDue() <-chan struct{} {
	return c.snapshotDue
}

// LastSnapshot returns the sequence covered by the newest snapshot written
// or restored.
func (c *Coordinator) LastSnapshot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSnapshot
}

// Checkpoint captures the store under the write lock and persists it
// outside the lock, compacting the journal behind it. It returns the
// sequence the snapshot covers. When nothing changed since the last
// snapshot no new one is written.
func (c *Coordinator) Checkpoint(ctx context.Context, trigger string) (asOf uint64, err error) {
	if c.opts.writer == nil {
		return 0, ErrNoSnapshotWriter
	}

	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, c.opts.tracer, "kernel.Checkpoint",
		observability.WithAttributes(observability.AttrSnapshotTrigger.String(trigger)))
	written := false
	defer func() {
		observability.EndSpan(span, err)
		if written || err != nil {
			c.opts.metrics.RecordSnapshot(ctx, trigger, time.Since(start), err)
		}
	}()

	c.mu.Lock()
	if c.failure != nil {
		c.mu.Unlock()
		return 0, c.failure
	}
	if c.store.Sequence() == c.lastSnapshot {
		asOf = c.lastSnapshot
		c.mu.Unlock()
		return asOf, nil
	}
	state := c.store.Snapshot()
	state.TakenAt = c.now()
	c.mu.Unlock()

	span.SetAttributes(observability.AttrSnapshotAsOf.Int64(int64(state.AsOf)))
	if err := c.opts.writer.Write(ctx, state); err != nil {
		return 0, fmt.Errorf("failed to write snapshot %d: %w", state.AsOf, err)
	}
	written = true

	c.mu.Lock()
	if state.AsOf > c.lastSnapshot {
		c.lastSnapshot = state.AsOf
	}
	c.mu.Unlock()

	c.opts.logger.Debug("checkpoint complete",
		slog.String("trigger", trigger),
		slog.Uint64("as_of", state.AsOf))
	return state.AsOf, nil
}
