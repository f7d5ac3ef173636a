package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/observability"
)

// DefaultQueueSize is the default number of changes buffered by a Queue.
const DefaultQueueSize = 1024

// Queue decouples the kernel from slow notifiers. Notify never blocks: if
// the buffer is full the change is dropped. A single goroutine delivers
// buffered changes to the target in order.
//
// Queue implements runner.Service.
type Queue struct {
	target  Notifier
	logger  *slog.Logger
	metrics *observability.Metrics

	ch      chan Change
	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

var _ Notifier = (*Queue)(nil)

// QueueOption configures a Queue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	size    int
	logger  *slog.Logger
	metrics *observability.Metrics
}

// WithQueueSize sets the buffer size.
func WithQueueSize(n int) QueueOption {
	return func(o *queueOptions) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(o *queueOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records delivered and dropped notifications.
func WithMetrics(m *observability.Metrics) QueueOption {
	return func(o *queueOptions) {
		o.metrics = m
	}
}

// NewQueue creates a queue delivering to target. Call Start to begin
// delivery.
func NewQueue(target Notifier, opts ...QueueOption) *Queue {
	o := queueOptions{size: DefaultQueueSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue{
		target:  target,
		logger:  o.logger,
		metrics: o.metrics,
		ch:      make(chan Change, o.size),
		done:    make(chan struct{}),
	}
}

// Name implements runner.Service.
func (q *Queue) Name() string {
	return "notifier"
}

// Notify enqueues c without blocking. It returns an error wrapping
// domain.ErrNotification if the change was dropped.
func (q *Queue) Notify(ctx context.Context, c Change) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return q.drop(ctx, c, "queue stopped")
	}
	select {
	case q.ch <- c:
		return nil
	default:
		return q.drop(ctx, c, "queue full")
	}
}

func (q *Queue) drop(ctx context.Context, c Change, reason string) error {
	q.dropped.Add(1)
	q.metrics.RecordNotification(ctx, string(c.Kind), false)
	q.logger.Warn("dropping change notification",
		slog.String("reason", reason),
		slog.String("kind", string(c.Kind)),
		slog.String("entity_id", c.EntityID),
		slog.Uint64("sequence", c.Sequence))
	return fmt.Errorf("%w: %s", domain.ErrNotification, reason)
}

// Start launches the delivery goroutine.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("notifier already started")
	}
	if q.closed {
		return fmt.Errorf("notifier stopped")
	}
	q.started = true
	go q.run()
	return nil
}

func (q *Queue) run() {
	defer close(q.done)
	// Delivery is detached from any caller context; Stop closes the channel.
	ctx := context.Background()
	for c := range q.ch {
		if err := q.target.Notify(ctx, c); err != nil {
			q.dropped.Add(1)
			q.metrics.RecordNotification(ctx, string(c.Kind), false)
			q.logger.Warn("change notification failed",
				slog.String("kind", string(c.Kind)),
				slog.String("entity_id", c.EntityID),
				slog.Uint64("sequence", c.Sequence),
				slog.Any("error", err))
			continue
		}
		q.delivered.Add(1)
		q.metrics.RecordNotification(ctx, string(c.Kind), true)
	}
}

// Stop refuses new changes and waits for buffered ones to be delivered, or
// for ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifier drain interrupted: %w", ctx.Err())
	}
}

// Delivered returns how many changes reached the target.
func (q *Queue) Delivered() uint64 {
	return q.delivered.Load()
}

// Dropped returns how many changes were discarded.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
