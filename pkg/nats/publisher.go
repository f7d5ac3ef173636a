// Package nats publishes change notifications to NATS subjects, optionally
// persisted in a JetStream stream, and embeds a NATS server for single
// binary deployments.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/atelier/pkg/notify"
	"github.com/plaenen/atelier/pkg/observability"
)

// Config holds configuration for the change publisher.
type Config struct {
	// URL is the NATS server URL
	URL string

	// SubjectPrefix is prepended to the change kind: <prefix>.<kind>
	SubjectPrefix string

	// StreamName, when set, persists changes in a JetStream stream with
	// that name and publishes through JetStream.
	StreamName string

	// MaxAge is how long to retain changes in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// DuplicateWindow is how long JetStream remembers message ids.
	DuplicateWindow time.Duration
}

// DefaultConfig returns sensible defaults for the change publisher.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		SubjectPrefix:   "atelier.changes",
		MaxAge:          24 * time.Hour,
		MaxBytes:        256 * 1024 * 1024,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Publisher sends committed changes to NATS. It implements notify.Notifier.
// Each message carries the change id in the Nats-Msg-Id header, which
// JetStream uses to discard duplicates.
type Publisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	config  Config
	metrics *observability.Metrics

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ notify.Notifier = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMetrics records publish latency.
func WithMetrics(m *observability.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher connects to config.URL and, if config.StreamName is set,
// creates or updates the stream.
func NewPublisher(config Config, opts ...PublisherOption) (*Publisher, error) {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultConfig().SubjectPrefix
	}

	nc, err := nats.Connect(config.URL, nats.Name("atelier-notifier"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := &Publisher{nc: nc, config: config}
	for _, opt := range opts {
		opt(p)
	}

	if config.StreamName != "" {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		p.js = js
		if err := p.ensureStream(); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}
	return p, nil
}

// ensureStream creates or updates the JetStream stream.
func (p *Publisher) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       p.config.StreamName,
		Subjects:   []string{p.config.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     p.config.MaxAge,
		MaxBytes:   p.config.MaxBytes,
		Duplicates: p.config.DuplicateWindow,
		Storage:    nats.FileStorage,
		Replicas:   1,
	}

	info, err := p.js.StreamInfo(p.config.StreamName)
	if err != nil {
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if info.Config.MaxAge != cfg.MaxAge || info.Config.MaxBytes != cfg.MaxBytes {
		if _, err := p.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// Subject returns the subject a change of the given kind is published on.
func (p *Publisher) Subject(kind string) string {
	return p.config.SubjectPrefix + "." + kind
}

// Notify implements notify.Notifier.
func (p *Publisher) Notify(ctx context.Context, c notify.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}

	msg := nats.NewMsg(p.Subject(string(c.Kind)))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, c.ID.String())

	start := time.Now()
	if p.js != nil {
		_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	} else {
		err = p.nc.PublishMsg(msg)
	}
	p.metrics.RecordNATSPublish(ctx, msg.Subject, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to publish change %s: %w", c.ID, err)
	}
	return nil
}

// Subscribe delivers changes of the given kinds to handler. With no kinds,
// every change is delivered. On a JetStream publisher the subscription
// reads the stream from its start and acknowledges each message after
// handler returns nil.
func (p *Publisher) Subscribe(handler func(notify.Change) error, kinds ...string) (*nats.Subscription, error) {
	subject := p.config.SubjectPrefix + ".>"
	if len(kinds) == 1 {
		subject = p.Subject(kinds[0])
	}
	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	cb := func(msg *nats.Msg) {
		var c notify.Change
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			p.term(msg)
			return
		}
		if len(wanted) > 0 && !wanted[string(c.Kind)] {
			p.ack(msg)
			return
		}
		if err := handler(c); err != nil {
			if p.js != nil {
				msg.Nak()
			}
			return
		}
		p.ack(msg)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if p.js != nil {
		sub, err = p.js.Subscribe(subject, cb, nats.ManualAck(), nats.AckExplicit(), nats.DeliverAll())
	} else {
		sub, err = p.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if err := p.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub, nil
}

func (p *Publisher) ack(msg *nats.Msg) {
	if p.js != nil {
		msg.Ack()
	}
}

func (p *Publisher) term(msg *nats.Msg) {
	if p.js != nil {
		msg.Term()
	}
}

// Conn returns the underlying connection.
func (p *Publisher) Conn() *nats.Conn {
	return p.nc
}

// Close drains subscriptions and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if err := p.nc.FlushTimeout(time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		p.nc.Close()
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	p.nc.Close()
	return nil
}
