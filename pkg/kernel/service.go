package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/journal"
	"github.com/plaenen/atelier/pkg/notify"
	"github.com/plaenen/atelier/pkg/runner"
	"github.com/plaenen/atelier/pkg/snapshot"
)

// Snapshot triggers, recorded on spans and metrics.
const (
	TriggerInterval = "interval"
	TriggerPeriodic = "periodic"
	TriggerShutdown = "shutdown"
	TriggerManual   = "manual"
)

// Service runs the kernel as a runner.Service. Start recovers the store,
// starts the notification queue and the snapshot loop; Stop writes a final
// snapshot and closes the journal. The journal and snapshot store are owned
// by the service once it starts.
//
// Example usage:
//
//	svc := kernel.NewService(journal, snapshots,
//	    kernel.WithLogger(logger),
//	    kernel.WithNotifier(publisher),
//	)
//	runner.New([]runner.Service{svc}).Run(ctx)
type Service struct {
	journal   journal.Journal
	snapshots snapshot.Store
	opts      []Option
	o         options

	mu          sync.Mutex
	coordinator *Coordinator
	queue       *notify.Queue
	report      Report
	cancel      context.CancelFunc
	done        chan struct{}
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)

// NewService creates the kernel service. snapshots may be nil, which
// disables snapshots and journal compaction.
func NewService(j journal.Journal, snapshots snapshot.Store, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		journal:   j,
		snapshots: snapshots,
		opts:      opts,
		o:         o,
	}
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "kernel"
}

// Start implements runner.Service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coordinator != nil {
		return fmt.Errorf("kernel already started")
	}

	store := domain.NewStore()
	report, err := Recover(ctx, store, s.snapshots, s.journal, s.opts...)
	if err != nil {
		return fmt.Errorf("failed to recover: %w", err)
	}

	queue := notify.NewQueue(s.o.notifier,
		notify.WithQueueSize(s.o.queueSize),
		notify.WithLogger(s.o.logger),
		notify.WithMetrics(s.o.metrics))
	if err := queue.Start(ctx); err != nil {
		return err
	}

	opts := append([]Option{}, s.opts...)
	opts = append(opts, WithNotifier(queue))
	if s.snapshots != nil {
		opts = append(opts, WithSnapshotWriter(snapshot.NewWriter(s.snapshots, s.journal,
			snapshot.WithRetain(s.o.retain),
			snapshot.WithWriterLogger(s.o.logger))))
	}
	c := NewCoordinator(store, s.journal, opts...)
	c.lastSnapshot = report.SnapshotAsOf

	loopCtx, cancel := context.WithCancel(context.Background())
	s.coordinator = c
	s.queue = queue
	s.report = report
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.snapshotLoop(loopCtx, c, s.done)

	s.o.logger.Info("kernel started",
		slog.Uint64("sequence", report.Sequence),
		slog.Uint64("replayed", report.Replayed))
	return nil
}

func (s *Service) snapshotLoop(ctx context.Context, c *Coordinator, done chan struct{}) {
	defer close(done)
	if c.opts.writer == nil {
		<-ctx.Done()
		return
	}

	var tick <-chan time.Time
	if s.o.snapshotPeriod > 0 {
		ticker := time.NewTicker(s.o.snapshotPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var trigger string
		select {
		case <-ctx.Done():
			return
		case <-c.SnapshotDue():
			trigger = TriggerInterval
		case <-tick:
			trigger = TriggerPeriodic
		}
		if _, err := c.Checkpoint(ctx, trigger); err != nil {
			s.o.logger.Error("snapshot failed",
				slog.String("trigger", trigger),
				slog.Any("error", err))
		}
	}
}

// Stop implements runner.Service.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coordinator == nil {
		return nil
	}

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("snapshot loop did not stop: %w", ctx.Err())
	}

	var errs []error
	if s.coordinator.opts.writer != nil && s.coordinator.Err() == nil {
		if _, err := s.coordinator.Checkpoint(ctx, TriggerShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.queue.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
	}

	s.coordinator = nil
	s.o.logger.Info("kernel stopped")
	return errors.Join(errs...)
}

// HealthCheck fails once the store has diverged from the journal.
func (s *Service) HealthCheck(ctx context.Context) error {
	c := s.Coordinator()
	if c == nil {
		return fmt.Errorf("kernel not started")
	}
	return c.Err()
}

// Coordinator returns the running coordinator, or nil before Start.
func (s *Service) Coordinator() *Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinator
}

// Report returns the result of the last recovery.
func (s *Service) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Queue returns the notification queue, or nil before Start.
func (s *Service) Queue() *notify.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}
