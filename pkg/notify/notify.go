// Package notify carries change notifications out of the kernel after a
// command commits. Delivery is best-effort: a notification that cannot be
// handed off is dropped and logged, never retried, and never fails the
// command that produced it.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/plaenen/atelier/pkg/domain"
)

// Change describes one entity touched by a committed command.
type Change struct {
	// ID uniquely identifies this notification. Subscribers can use it to
	// discard duplicates.
	ID uuid.UUID `json:"id"`

	Kind     domain.CommandType `json:"kind"`
	EntityID string             `json:"entity_id"`
	Sequence uint64             `json:"sequence"`
	At       time.Time          `json:"at"`
}

// Changes expands a committed command into one Change per affected entity.
func Changes(cmd domain.Command) []Change {
	ids := cmd.Payload.EntityIDs()
	out := make([]Change, 0, len(ids))
	for _, id := range ids {
		out = append(out, Change{
			ID:       uuid.New(),
			Kind:     cmd.Type(),
			EntityID: id,
			Sequence: cmd.Sequence,
			At:       cmd.Timestamp,
		})
	}
	return out
}

// Notifier receives changes.
type Notifier interface {
	Notify(ctx context.Context, c Change) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Change) error

func (f NotifierFunc) Notify(ctx context.Context, c Change) error {
	return f(ctx, c)
}

// Nop discards every change.
var Nop Notifier = NotifierFunc(func(context.Context, Change) error { return nil })

// Multi fans a change out to several notifiers. Every notifier is called;
// their errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, c Change) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
