package kernel

import (
	"log/slog"
	"time"

	"github.com/plaenen/atelier/pkg/idgen"
	"github.com/plaenen/atelier/pkg/notify"
	"github.com/plaenen/atelier/pkg/observability"
	"github.com/plaenen/atelier/pkg/snapshot"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultSnapshotInterval is the number of commands between automatic
// snapshots.
const DefaultSnapshotInterval = 1000

type options struct {
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *observability.Metrics
	notifier       notify.Notifier
	clock          func() time.Time
	ids            idgen.Generator
	writer         *snapshot.Writer
	strategy       snapshot.Strategy
	snapshotPeriod time.Duration
	queueSize      int
	retain         int
}

func defaultOptions() options {
	return options{
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("kernel"),
		notifier:  notify.Nop,
		clock:     time.Now,
		ids:       idgen.NewULID(),
		strategy:  snapshot.NewIntervalStrategy(DefaultSnapshotInterval),
		queueSize: notify.DefaultQueueSize,
		retain:    snapshot.DefaultRetain,
	}
}

// Option configures the Coordinator, Recover and the Service.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithMetrics records command, journal, recovery and snapshot metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithNotifier sets where committed changes are sent. The Coordinator calls
// it while holding the write lock, so it must not block; the Service wraps
// it in a notify.Queue.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithClock sets the time source for command timestamps and generated ids.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator sets the generator for ids of created entities.
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithSnapshotWriter enables Checkpoint on a Coordinator.
func WithSnapshotWriter(w *snapshot.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithSnapshotStrategy sets when a snapshot becomes due after a commit.
func WithSnapshotStrategy(s snapshot.Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithSnapshotInterval snapshots every n commands. Zero disables
// count-based snapshots.
func WithSnapshotInterval(n uint64) Option {
	return func(o *options) {
		o.strategy = snapshot.NewIntervalStrategy(n)
	}
}

// WithSnapshotPeriod also snapshots on a timer. Zero disables it.
func WithSnapshotPeriod(d time.Duration) Option {
	return func(o *options) {
		o.snapshotPeriod = d
	}
}

// WithQueueSize sets the notification buffer used by the Service.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithRetain sets how many snapshots the Service keeps.
func WithRetain(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retain = n
		}
	}
}
