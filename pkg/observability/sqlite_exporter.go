package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Tables written by the SQLite exporters.
const (
	SpansTable   = "otel_spans"
	MetricsTable = "otel_metrics"
)

// SQLiteExporter stores spans and metric data points in a SQLite database so
// a single binary deployment can be inspected without a collector. It
// implements both sdktrace.SpanExporter and sdkmetric.Exporter. The database
// handle belongs to the caller.
type SQLiteExporter struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time

	mu sync.Mutex
}

var (
	_ sdktrace.SpanExporter = (*SQLiteExporter)(nil)
	_ sdkmetric.Exporter    = (*SQLiteExporter)(nil)
)

// NewSQLiteExporter creates the tables if needed. Rows older than retention
// are removed on every export; zero keeps everything.
func NewSQLiteExporter(ctx context.Context, db *sql.DB, retention time.Duration) (*SQLiteExporter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	e := &SQLiteExporter{db: db, retention: retention, now: time.Now}
	if err := e.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create telemetry tables: %w", err)
	}
	return e, nil
}

func (e *SQLiteExporter) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + SpansTable + ` (
			span_id        TEXT PRIMARY KEY,
			trace_id       TEXT NOT NULL,
			parent_span_id TEXT,
			name           TEXT NOT NULL,
			kind           INTEGER NOT NULL,
			start_time     INTEGER NOT NULL,
			end_time       INTEGER NOT NULL,
			status_code    INTEGER NOT NULL,
			status_message TEXT,
			attributes     TEXT,
			events         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_otel_spans_trace ON ` + SpansTable + `(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_otel_spans_start ON ` + SpansTable + `(start_time)`,
		`CREATE TABLE IF NOT EXISTS ` + MetricsTable + ` (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			unit       TEXT,
			type       TEXT NOT NULL,
			timestamp  INTEGER NOT NULL,
			value      REAL,
			count      INTEGER,
			sum        REAL,
			attributes TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_otel_metrics_name ON ` + MetricsTable + `(name, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SQLiteExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO `+SpansTable+` (
		span_id, trace_id, parent_span_id, name, kind, start_time, end_time,
		status_code, status_message, attributes, events
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare span statement: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		sc := span.SpanContext()
		var parent *string
		if span.Parent().SpanID().IsValid() {
			id := span.Parent().SpanID().String()
			parent = &id
		}
		attrs, _ := json.Marshal(attributesToMap(span.Attributes()))
		events, _ := json.Marshal(eventsToSlice(span.Events()))

		if _, err := stmt.ExecContext(ctx,
			sc.SpanID().String(),
			sc.TraceID().String(),
			parent,
			span.Name(),
			int(span.SpanKind()),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			string(attrs),
			string(events),
		); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	if e.retention > 0 {
		cutoff := e.now().Add(-e.retention).UnixNano()
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+SpansTable+` WHERE start_time < ?`, cutoff); err != nil {
			return fmt.Errorf("prune spans: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Export implements sdkmetric.Exporter. Counters are stored as their
// cumulative value, histograms as count and sum.
func (e *SQLiteExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+MetricsTable+` (
		name, unit, type, timestamp, value, count, sum, attributes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare metric statement: %w", err)
	}
	defer stmt.Close()

	now := e.now()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if err := exportMetric(ctx, stmt, m, now.Unix()); err != nil {
				return fmt.Errorf("export metric %s: %w", m.Name, err)
			}
		}
	}

	if e.retention > 0 {
		cutoff := now.Add(-e.retention).Unix()
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+MetricsTable+` WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("prune metrics: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func exportMetric(ctx context.Context, stmt *sql.Stmt, m metricdata.Metrics, ts int64) error {
	insert := func(typ string, value, count, sum any, attrs attribute.Set) error {
		a, _ := json.Marshal(attributeSetToMap(attrs))
		_, err := stmt.ExecContext(ctx, m.Name, m.Unit, typ, ts, value, count, sum, string(a))
		return err
	}

	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			if err := insert("sum", float64(dp.Value), nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			if err := insert("sum", dp.Value, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			if err := insert("gauge", float64(dp.Value), nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			if err := insert("gauge", dp.Value, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			if err := insert("histogram", nil, int64(dp.Count), dp.Sum, dp.Attributes); err != nil {
				return err
			}
		}
	}
	return nil
}

// Temporality implements sdkmetric.Exporter.
func (e *SQLiteExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation implements sdkmetric.Exporter.
func (e *SQLiteExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// ForceFlush implements sdkmetric.Exporter.
func (e *SQLiteExporter) ForceFlush(context.Context) error {
	return nil
}

// Shutdown implements sdktrace.SpanExporter and sdkmetric.Exporter.
func (e *SQLiteExporter) Shutdown(context.Context) error {
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func attributeSetToMap(set attribute.Set) map[string]any {
	return attributesToMap(set.ToSlice())
}

func eventsToSlice(events []sdktrace.Event) []map[string]any {
	out := make([]map[string]any, len(events))
	for i, ev := range events {
		out[i] = map[string]any{
			"name":       ev.Name,
			"timestamp":  ev.Time.UnixNano(),
			"attributes": attributesToMap(ev.Attributes),
		}
	}
	return out
}
