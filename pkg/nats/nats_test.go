package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/plaenen/atelier/pkg/domain"
	natspkg "github.com/plaenen/atelier/pkg/nats"
	"github.com/plaenen/atelier/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts ...natspkg.EmbeddedOption) *natspkg.EmbeddedServer {
	t.Helper()
	srv, err := natspkg.StartEmbeddedServer(opts...)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func newChange(kind domain.CommandType, entity string, seq uint64) notify.Change {
	return notify.Change{
		ID:       uuid.New(),
		Kind:     kind,
		EntityID: entity,
		Sequence: seq,
		At:       time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, ch <-chan notify.Change) notify.Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change")
		return notify.Change{}
	}
}

func TestEmbeddedServer(t *testing.T) {
	srv := startServer(t)
	require.NotEmpty(t, srv.URL())

	nc, err := srv.Connect()
	require.NoError(t, err)
	nc.Close()

	srv.Shutdown()
	srv.Shutdown()
}

func TestPublishSubscribeCore(t *testing.T) {
	srv := startServer(t)
	cfg := natspkg.DefaultConfig()
	cfg.URL = srv.URL()

	pub, err := natspkg.NewPublisher(cfg)
	require.NoError(t, err)
	defer pub.Close()

	received := make(chan notify.Change, 4)
	_, err = pub.Subscribe(func(c notify.Change) error {
		received <- c
		return nil
	}, string(domain.CommandOrderCreate))
	require.NoError(t, err)

	want := newChange(domain.CommandOrderCreate, "o1", 3)
	require.NoError(t, pub.Notify(context.Background(), want))

	got := receive(t, received)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.EntityID, got.EntityID)
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.True(t, want.At.Equal(got.At))
	assert.Equal(t, "atelier.changes.OrderCreate", pub.Subject(string(want.Kind)))
}

func TestPublishJetStreamDeduplicates(t *testing.T) {
	srv := startServer(t, natspkg.WithJetStream(t.TempDir()))
	cfg := natspkg.DefaultConfig()
	cfg.URL = srv.URL()
	cfg.StreamName = "ATELIER_TEST"

	pub, err := natspkg.NewPublisher(cfg)
	require.NoError(t, err)
	defer pub.Close()

	ctx := context.Background()
	dup := newChange(domain.CommandStockAdjust, "p1", 1)
	require.NoError(t, pub.Notify(ctx, dup))
	require.NoError(t, pub.Notify(ctx, dup))
	require.NoError(t, pub.Notify(ctx, newChange(domain.CommandStockAdjust, "p1", 2)))

	received := make(chan notify.Change, 10)
	_, err = pub.Subscribe(func(c notify.Change) error {
		received <- c
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), receive(t, received).Sequence)
	assert.Equal(t, uint64(2), receive(t, received).Sequence)
	select {
	case c := <-received:
		t.Fatalf("duplicate delivered: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := natspkg.NewService(natspkg.WithEmbeddedServer())
	assert.Equal(t, "nats", svc.Name())

	require.Error(t, svc.Notify(ctx, newChange(domain.CommandOrderDelete, "o1", 1)))
	require.Error(t, svc.HealthCheck(ctx))

	require.NoError(t, svc.Start(ctx))
	require.NotEmpty(t, svc.URL())
	require.NoError(t, svc.HealthCheck(ctx))

	received := make(chan notify.Change, 1)
	_, err := svc.Publisher().Subscribe(func(c notify.Change) error {
		received <- c
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.Notify(ctx, newChange(domain.CommandOrderDelete, "o1", 1)))
	assert.Equal(t, "o1", receive(t, received).EntityID)

	require.NoError(t, svc.Stop(ctx))
	require.Error(t, svc.HealthCheck(ctx))
}
