package runner

import "context"

// Service is a long running component with an explicit lifecycle.
//
// Start returns once the service is ready; anything registered after it may
// depend on it. Stop releases everything Start acquired and must return
// before the context deadline. A Stop on a service that is not running
// returns nil.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health
// while running.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}
