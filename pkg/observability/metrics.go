package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all metric instruments for the kernel.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Journal metrics
	JournalLatency   metric.Float64Histogram
	JournalAppended  metric.Int64Counter
	ReplayedCommands metric.Int64Counter

	// Snapshot metrics
	SnapshotsWritten metric.Int64Counter
	SnapshotDuration metric.Float64Histogram
	SnapshotErrors   metric.Int64Counter

	// Notification metrics
	NotificationsSent    metric.Int64Counter
	NotificationsDropped metric.Int64Counter
	NATSPublishLatency   metric.Float64Histogram
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"atelier.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"atelier.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"atelier.command.errors",
		metric.WithDescription("Total rejected or failed commands"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.JournalLatency, err = meter.Float64Histogram(
		"atelier.journal.latency",
		metric.WithDescription("Journal operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating journal.latency: %w", err)
	}

	m.JournalAppended, err = meter.Int64Counter(
		"atelier.journal.appended",
		metric.WithDescription("Total commands durably appended to the journal"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating journal.appended: %w", err)
	}

	m.ReplayedCommands, err = meter.Int64Counter(
		"atelier.recovery.replayed",
		metric.WithDescription("Commands replayed from the journal during recovery"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating recovery.replayed: %w", err)
	}

	m.SnapshotsWritten, err = meter.Int64Counter(
		"atelier.snapshot.written",
		metric.WithDescription("Total snapshots written"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.written: %w", err)
	}

	m.SnapshotDuration, err = meter.Float64Histogram(
		"atelier.snapshot.duration",
		metric.WithDescription("Time to persist a snapshot in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.duration: %w", err)
	}

	m.SnapshotErrors, err = meter.Int64Counter(
		"atelier.snapshot.errors",
		metric.WithDescription("Snapshot writes that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.errors: %w", err)
	}

	m.NotificationsSent, err = meter.Int64Counter(
		"atelier.notify.sent",
		metric.WithDescription("Change notifications delivered to the notifier"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating notify.sent: %w", err)
	}

	m.NotificationsDropped, err = meter.Int64Counter(
		"atelier.notify.dropped",
		metric.WithDescription("Change notifications dropped because the queue was full or delivery failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating notify.dropped: %w", err)
	}

	m.NATSPublishLatency, err = meter.Float64Histogram(
		"atelier.nats.publish.latency",
		metric.WithDescription("NATS publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats.publish.latency: %w", err)
	}

	return m, nil
}

// NewNoopMetrics returns instruments backed by a no-op meter.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("atelier"))
	return m
}

// errorKind maps err to a low cardinality label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrCorruption):
		return "corruption"
	case errors.Is(err, domain.ErrDurability):
		return "durability"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrBusinessRule):
		return "business_rule"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "other"
}

// RecordCommand records command execution metrics
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
		attribute.Bool("success", err == nil),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command_type", commandType),
			attribute.String("error_kind", errorKind(err)),
		))
	}
}

// RecordJournalOperation records journal operation metrics
func (m *Metrics) RecordJournalOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	)
	m.JournalLatency.Record(ctx, duration.Seconds(), attrs)
	if operation == "append" && err == nil {
		m.JournalAppended.Add(ctx, 1)
	}
}

// RecordRecovery records how many commands were replayed on startup.
func (m *Metrics) RecordRecovery(ctx context.Context, replayed uint64, snapshotUsed bool) {
	if m == nil {
		return
	}
	m.ReplayedCommands.Add(ctx, int64(replayed), metric.WithAttributes(
		attribute.Bool("snapshot_used", snapshotUsed),
	))
}

// RecordSnapshot records a snapshot write.
func (m *Metrics) RecordSnapshot(ctx context.Context, trigger string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	m.SnapshotDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.SnapshotErrors.Add(ctx, 1, attrs)
		return
	}
	m.SnapshotsWritten.Add(ctx, 1, attrs)
}

// RecordNotification records the outcome of handing a change to a notifier.
func (m *Metrics) RecordNotification(ctx context.Context, kind string, delivered bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if delivered {
		m.NotificationsSent.Add(ctx, 1, attrs)
		return
	}
	m.NotificationsDropped.Add(ctx, 1, attrs)
}

// RecordNATSPublish records NATS publish metrics
func (m *Metrics) RecordNATSPublish(ctx context.Context, subject string, duration time.Duration) {
	if m == nil {
		return
	}
	m.NATSPublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("subject", subject),
	))
}
