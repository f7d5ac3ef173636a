package observability_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/plaenen/atelier/pkg/observability"
	"github.com/plaenen/atelier/pkg/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func newTelemetryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.WithMemoryDatabase(), sqlite.WithAutoMigrate(false))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteExporterSpans(t *testing.T) {
	ctx := context.Background()
	db := newTelemetryDB(t)
	exp, err := observability.NewSQLiteExporter(ctx, db, 0)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	tracer := tp.Tracer("test")

	spanCtx, parent := observability.StartSpan(ctx, tracer, "kernel.Execute",
		observability.WithAttributes(observability.AttrCommandType.String("StockAdjust")))
	_, child := tracer.Start(spanCtx, "journal.Append")
	child.End()
	observability.EndSpan(parent, errors.New("insufficient stock"))
	require.NoError(t, tp.Shutdown(ctx))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM otel_spans`).Scan(&count))
	assert.Equal(t, 2, count)

	var status int
	var attrs string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status_code, attributes FROM otel_spans WHERE name = 'kernel.Execute'`).Scan(&status, &attrs))
	assert.Equal(t, int(codes.Error), status)
	assert.Contains(t, attrs, "StockAdjust")

	var parentID sql.NullString
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT parent_span_id FROM otel_spans WHERE name = 'journal.Append'`).Scan(&parentID))
	assert.True(t, parentID.Valid)
}

func TestRejectedCommandSpanIsNotAnError(t *testing.T) {
	ctx := context.Background()
	db := newTelemetryDB(t)
	exp, err := observability.NewSQLiteExporter(ctx, db, 0)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := observability.StartSpan(ctx, tp.Tracer("test"), "kernel.Execute")
	observability.EndSpan(span, domain.NewError(domain.ErrInsufficientStock, "amount", "only 3 left"))
	require.NoError(t, tp.Shutdown(ctx))

	var status int
	var events string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status_code, events FROM otel_spans WHERE name = 'kernel.Execute'`).Scan(&status, &events))
	assert.Equal(t, int(codes.Ok), status)
	assert.Contains(t, events, "command.rejected")
	assert.Contains(t, events, "business_rule")
}

func TestSQLiteExporterRetention(t *testing.T) {
	ctx := context.Background()
	db := newTelemetryDB(t)
	exp, err := observability.NewSQLiteExporter(ctx, db, time.Hour)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO otel_spans
		(span_id, trace_id, name, kind, start_time, end_time, status_code)
		VALUES ('old', 'trace', 'stale', 0, 0, 0, 0)`)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("test").Start(ctx, "fresh")
	span.End()
	require.NoError(t, tp.Shutdown(ctx))

	var names []string
	rows, err := db.QueryContext(ctx, `SELECT name FROM otel_spans`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"fresh"}, names)
}

func TestSQLiteExporterMetrics(t *testing.T) {
	ctx := context.Background()
	db := newTelemetryDB(t)
	exp, err := observability.NewSQLiteExporter(ctx, db, 0)
	require.NoError(t, err)

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(time.Hour))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observability.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	m.RecordCommand(ctx, "StockAdjust", 2*time.Millisecond, nil)
	m.RecordCommand(ctx, "StockAdjust", 3*time.Millisecond, nil)
	require.NoError(t, reader.ForceFlush(ctx))

	var total float64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT value FROM otel_metrics WHERE name = 'atelier.command.total' AND type = 'sum'`).Scan(&total))
	assert.Equal(t, 2.0, total)

	var observations int64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count FROM otel_metrics WHERE name = 'atelier.command.duration' AND type = 'histogram'`).Scan(&observations))
	assert.Equal(t, int64(2), observations)
}
