package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/plaenen/atelier/pkg/kernel"
	natspkg "github.com/plaenen/atelier/pkg/nats"
	"github.com/plaenen/atelier/pkg/notify"
	"github.com/plaenen/atelier/pkg/observability"
	"github.com/plaenen/atelier/pkg/runner"
	"github.com/plaenen/atelier/pkg/sqlite"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Version is stamped at build time.
var Version = "dev"

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover the store and run the kernel until interrupted",
		Long: `Recover the store from the latest snapshot and the journal, then run
the kernel with periodic snapshots until SIGINT or SIGTERM. On shutdown a
final snapshot is written and the journal is closed.

When ATELIER_NATS_URL or ATELIER_NATS_EMBEDDED is set, every committed
change is published to NATS under ATELIER_NATS_SUBJECT_PREFIX.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg := opts.Config
	logger := opts.Logger

	tel, closeTelemetry, err := initTelemetry(ctx, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize telemetry", err)
	}
	defer closeTelemetry()
	tracer := tel.Tracer("atelier")

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer b.Close()

	notifiers := notify.Multi{notify.NotifierFunc(func(_ context.Context, c notify.Change) error {
		logger.Debug("change committed",
			slog.String("kind", string(c.Kind)),
			slog.String("entity_id", c.EntityID),
			slog.Uint64("sequence", c.Sequence))
		return nil
	})}

	var services []runner.Service
	if cfg.NATSEnabled() {
		ns := newNATSService(opts, tracer, tel.Metrics)
		services = append(services, ns)
		notifiers = append(notifiers, ns)
	}

	services = append(services, kernel.NewService(b.Journal, b.Snapshots,
		kernel.WithLogger(logger),
		kernel.WithTracer(tracer),
		kernel.WithMetrics(tel.Metrics),
		kernel.WithNotifier(notifiers),
		kernel.WithSnapshotInterval(cfg.SnapshotInterval),
		kernel.WithSnapshotPeriod(cfg.SnapshotPeriod),
		kernel.WithQueueSize(cfg.NotifyQueueSize),
		kernel.WithRetain(cfg.SnapshotRetain),
	))

	r := runner.New(services,
		runner.WithLogger(logger),
		runner.WithHealthInterval(cfg.HealthInterval))
	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("atelier stopped with errors: %w", err)
	}
	return nil
}

// initTelemetry builds the OpenTelemetry providers. With ATELIER_TELEMETRY
// set, spans and metrics are exported to a SQLite database; otherwise both
// are no-ops.
func initTelemetry(ctx context.Context, opts *RootOptions) (*observability.Telemetry, func(), error) {
	cfg := opts.Config
	logger := opts.Logger
	telCfg := observability.Config{
		ServiceName:     cfg.ServiceName,
		ServiceVersion:  Version,
		Environment:     cfg.Environment,
		TraceSampleRate: cfg.TraceSampleRate,
		Logger:          logger,
	}

	var db *sql.DB
	if cfg.Telemetry {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		var err error
		db, err = sqlite.Open(ctx, sqlite.WithDSN(cfg.TelemetryPath()), sqlite.WithAutoMigrate(false))
		if err != nil {
			return nil, nil, err
		}
		exporter, err := observability.NewSQLiteExporter(ctx, db, cfg.TelemetryRetention)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		telCfg.TraceExporter = exporter
		telCfg.MetricReader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.MetricsInterval))
	}

	tel, err := observability.Init(ctx, telCfg)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, err
	}
	return tel, func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
		if db != nil {
			db.Close()
		}
	}, nil
}

func newNATSService(opts *RootOptions, tracer trace.Tracer, metrics *observability.Metrics) *natspkg.Service {
	cfg := opts.Config

	natsCfg := natspkg.DefaultConfig()
	natsCfg.SubjectPrefix = cfg.NATSSubjectPrefix
	natsCfg.StreamName = cfg.NATSStream
	if cfg.NATSURL != "" {
		natsCfg.URL = cfg.NATSURL
	}

	svcOpts := []natspkg.ServiceOption{
		natspkg.WithConfig(natsCfg),
		natspkg.WithLogger(opts.Logger),
		natspkg.WithTracer(tracer),
		natspkg.WithServiceMetrics(metrics),
	}
	if cfg.NATSEmbedded {
		embedded := []natspkg.EmbeddedOption{natspkg.WithPort(cfg.NATSPort)}
		if cfg.NATSStream != "" {
			embedded = append(embedded, natspkg.WithJetStream(filepath.Join(cfg.DataDir, "nats")))
		}
		svcOpts = append(svcOpts, natspkg.WithEmbeddedServer(embedded...))
	}
	return natspkg.NewService(svcOpts...)
}
