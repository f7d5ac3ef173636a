package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnhealthy is returned by Run when a health check fails.
var ErrUnhealthy = errors.New("service unhealthy")

// Runner starts a fixed list of services in order, waits, and stops them in
// reverse order.
type Runner struct {
	services []Service
	logger   *slog.Logger

	startTimeout time.Duration
	stopTimeout  time.Duration
	checkEvery   time.Duration
	signals      bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the lifecycle logger. The runner is silent without one.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStartupTimeout bounds each service's Start. Default 1m.
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Runner) { r.startTimeout = d }
}

// WithShutdownTimeout bounds stopping all services together. Default 30s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) { r.stopTimeout = d }
}

// WithHealthInterval checks every HealthChecker at this interval while
// running and shuts down on the first failure. Zero disables probing.
func WithHealthInterval(d time.Duration) Option {
	return func(r *Runner) { r.checkEvery = d }
}

// WithSignals controls whether SIGINT and SIGTERM end Run. Default true.
func WithSignals(enabled bool) Option {
	return func(r *Runner) { r.signals = enabled }
}

// New creates a Runner.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:     services,
		logger:       slog.New(slog.DiscardHandler),
		startTimeout: time.Minute,
		stopTimeout:  30 * time.Second,
		signals:      true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the services and blocks until ctx is done, a signal arrives or
// a health check fails. A service may rely on every service registered
// before it until its own Stop returns.
func (r *Runner) Run(ctx context.Context) error {
	if r.signals {
		var stop context.CancelFunc
		ctx, stop = NotifyShutdown(ctx)
		defer stop()
	}

	started, err := r.startAll(ctx)
	if err != nil {
		return errors.Join(err, r.stopAll(started))
	}
	r.logger.Info("services running", slog.Int("count", len(started)))

	cause := r.wait(ctx)
	if cause != nil {
		r.logger.Error("shutting down", slog.Any("error", cause))
	} else {
		r.logger.Info("shutting down", slog.Duration("timeout", r.stopTimeout))
	}
	return errors.Join(cause, r.stopAll(started))
}

func (r *Runner) startAll(ctx context.Context) ([]Service, error) {
	started := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startTimeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			r.logger.Error("service failed to start",
				slog.String("service", svc.Name()),
				slog.Any("error", err))
			return started, fmt.Errorf("start service %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
		r.logger.Debug("service started", slog.String("service", svc.Name()))
	}
	return started, nil
}

// wait returns nil on a normal shutdown request and the health check error when a
// service turned unhealthy.
func (r *Runner) wait(ctx context.Context) error {
	if r.checkEvery <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.HealthCheck(ctx); err != nil {
				return fmt.Errorf("%w: %w", ErrUnhealthy, err)
			}
		}
	}
}

// stopAll stops services in reverse order under one shared deadline.
func (r *Runner) stopAll(services []Service) error {
	if len(services) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(ctx); err != nil {
			r.logger.Error("service failed to stop",
				slog.String("service", svc.Name()),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("stop service %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Debug("service stopped", slog.String("service", svc.Name()))
	}
	if ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("shutdown exceeded %s", r.stopTimeout))
	}
	return errors.Join(errs...)
}

// HealthCheck returns the first failure among services that implement
// HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		hc, ok := svc.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s: %w", svc.Name(), err)
		}
	}
	return nil
}
