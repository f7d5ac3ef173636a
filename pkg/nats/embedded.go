package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server, for single binary
// deployments and tests.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
	logger       *slog.Logger
}

type embeddedOptions struct {
	host         string
	port         int
	jetStream    bool
	storeDir     string
	readyTimeout time.Duration
	logger       *slog.Logger
}

// EmbeddedOption configures StartEmbeddedServer.
type EmbeddedOption func(*embeddedOptions)

// WithHost sets the listen host. Default 127.0.0.1.
func WithHost(host string) EmbeddedOption {
	return func(o *embeddedOptions) {
		o.host = host
	}
}

// WithPort sets the client port. Default is a random free port.
func WithPort(port int) EmbeddedOption {
	return func(o *embeddedOptions) {
		o.port = port
	}
}

// WithJetStream enables JetStream, storing streams in dir. An empty dir
// lets the server pick a temporary directory.
func WithJetStream(dir string) EmbeddedOption {
	return func(o *embeddedOptions) {
		o.jetStream = true
		o.storeDir = dir
	}
}

// WithServerLogger sets the logger used for lifecycle messages.
func WithServerLogger(logger *slog.Logger) EmbeddedOption {
	return func(o *embeddedOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// StartEmbeddedServer starts an embedded NATS server and waits until it
// accepts connections.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	o := embeddedOptions{
		host:         "127.0.0.1",
		port:         -1, // Random port
		readyTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s, err := server.NewServer(&server.Options{
		Host:      o.host,
		Port:      o.port,
		JetStream: o.jetStream,
		StoreDir:  o.storeDir,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(o.readyTimeout) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after %s", o.readyTimeout)
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		logger: o.logger,
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the embedded server, waiting at most five seconds.
// Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			if e.logger != nil {
				e.logger.Warn("embedded NATS server shutdown timed out")
			}
		}
	})
}

// Connect opens a client connection to the embedded server.
func (e *EmbeddedServer) Connect(opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(e.url, opts...)
}
