package observability

import (
	"context"
	"errors"

	"github.com/plaenen/atelier/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrCommandType = attribute.Key("command.type")
	AttrSequence    = attribute.Key("journal.sequence")
	AttrEntityID    = attribute.Key("entity.id")

	AttrSnapshotAsOf    = attribute.Key("snapshot.as_of")
	AttrSnapshotTrigger = attribute.Key("snapshot.trigger")

	AttrErrorKind = attribute.Key("error.kind")
)

// SpanOption configures a span
type SpanOption func(trace.Span)

// WithAttributes adds attributes to a span
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	for _, opt := range opts {
		opt(span)
	}
	return ctx, span
}

// EndSpan sets the span status from err and ends it. A command rejected by
// validation or a business rule is an expected outcome: it is recorded as a
// "command.rejected" event and leaves the status Ok.
func EndSpan(span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case rejected(err):
		span.AddEvent("command.rejected", trace.WithAttributes(
			AttrErrorKind.String(errorKind(err)),
			attribute.String("error.message", err.Error())))
		span.SetStatus(codes.Ok, "")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SetSpanError records an error on the current span in the context
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ErrorAttrs returns common error attributes
func ErrorAttrs(err error) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrErrorKind.String(errorKind(err)),
	}
}

// rejected is false for corruption and durability failures even when they
// wrap a business rule error.
func rejected(err error) bool {
	if errors.Is(err, domain.ErrCorruption) || errors.Is(err, domain.ErrDurability) {
		return false
	}
	return errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrBusinessRule)
}
