package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/atelier/pkg/notify"
	"github.com/plaenen/atelier/pkg/observability"
	"github.com/plaenen/atelier/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Service runs the change publisher, and optionally an embedded NATS server,
// as a runner.Service. It implements notify.Notifier so it can be handed to
// the kernel before it has started.
//
// Example usage:
//
//	natsService := nats.NewService(
//	    nats.WithConfig(cfg),
//	    nats.WithEmbeddedServer(nats.WithJetStream(dir)),
//	    nats.WithLogger(logger),
//	)
//	svc := kernel.NewService(store, snapshots, journal, kernel.WithNotifier(natsService))
//	runner.New([]runner.Service{natsService, svc}).Run(ctx)
type Service struct {
	config       Config
	embedded     bool
	embeddedOpts []EmbeddedOption
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *observability.Metrics

	mu     sync.RWMutex
	server *EmbeddedServer
	pub    *Publisher
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
	_ notify.Notifier      = (*Service)(nil)
)

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithConfig sets the publisher configuration. With an embedded server the
// URL is replaced by the server's.
func WithConfig(config Config) ServiceOption {
	return func(s *Service) {
		s.config = config
	}
}

// WithEmbeddedServer starts an in-process server with the given options.
func WithEmbeddedServer(opts ...EmbeddedOption) ServiceOption {
	return func(s *Service) {
		s.embedded = true
		s.embeddedOpts = opts
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithServiceMetrics passes metrics to the publisher.
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates the service.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		config: DefaultConfig(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("nats"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "nats"
}

// Start starts the embedded server if configured and connects the publisher.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "nats.Start")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	config := s.config
	if s.embedded {
		opts := append([]EmbeddedOption{WithServerLogger(s.logger)}, s.embeddedOpts...)
		srv, err := StartEmbeddedServer(opts...)
		if err != nil {
			observability.SetSpanError(ctx, err)
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		s.server = srv
		config.URL = srv.URL()
		s.logger.Info("embedded NATS server started", slog.String("url", srv.URL()))
	}

	pub, err := NewPublisher(config, WithMetrics(s.metrics))
	if err != nil {
		if s.server != nil {
			s.server.Shutdown()
			s.server = nil
		}
		observability.SetSpanError(ctx, err)
		return err
	}
	s.pub = pub

	span.SetAttributes(
		attribute.String("nats.url", config.URL),
		attribute.String("nats.subject_prefix", config.SubjectPrefix),
		attribute.String("nats.stream", config.StreamName),
	)
	s.logger.Info("change publisher connected",
		slog.String("url", config.URL),
		slog.String("subject_prefix", config.SubjectPrefix),
		slog.String("stream", config.StreamName))
	return nil
}

// Stop closes the publisher, then the embedded server.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "nats.Stop")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.pub != nil {
		err = s.pub.Close()
		s.pub = nil
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	s.logger.Info("nats service stopped")
	return err
}

// Notify implements notify.Notifier.
func (s *Service) Notify(ctx context.Context, c notify.Change) error {
	s.mu.RLock()
	pub := s.pub
	s.mu.RUnlock()
	if pub == nil {
		return fmt.Errorf("nats publisher not started")
	}
	return pub.Notify(ctx, c)
}

// HealthCheck reports whether the publisher is connected.
func (s *Service) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	pub := s.pub
	s.mu.RUnlock()

	if pub == nil {
		return fmt.Errorf("nats publisher not started")
	}
	if status := pub.Conn().Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection is %s", status)
	}
	return nil
}

// Publisher returns the running publisher, or nil before Start.
func (s *Service) Publisher() *Publisher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pub
}

// URL returns the server URL in use, or "" before Start.
func (s *Service) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server != nil {
		return s.server.URL()
	}
	if s.pub != nil {
		return s.pub.Conn().ConnectedUrl()
	}
	return ""
}
