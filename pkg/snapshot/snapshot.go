// Package snapshot persists full copies of the domain store so that recovery
// only replays the journal tail.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
)

// ErrNotFound is returned by Latest when no snapshot has been saved yet.
var ErrNotFound = errors.New("snapshot not found")

// Info describes a stored snapshot without decoding it.
type Info struct {
	AsOf    uint64    `json:"as_of"`
	TakenAt time.Time `json:"taken_at"`
	Size    int64     `json:"size"`
}

// Store defines the interface for snapshot persistence.
type Store interface {
	// Save persists state. Saving the same AsOf twice overwrites.
	Save(ctx context.Context, state domain.State) error

	// Latest returns the snapshot with the highest AsOf, or ErrNotFound.
	Latest(ctx context.Context) (domain.State, error)

	// List returns every stored snapshot, newest first.
	List(ctx context.Context) ([]Info, error)

	// Prune removes all but the newest keep snapshots. At least one
	// snapshot is always kept.
	Prune(ctx context.Context, keep int) error
}

// Strategy decides when a snapshot should be taken.
type Strategy interface {
	// ShouldSnapshot reports whether a snapshot is due given the current
	// sequence number and the number of commands since the last snapshot.
	ShouldSnapshot(sequence, sinceLast uint64) bool
}

// IntervalStrategy snapshots every Interval commands.
type IntervalStrategy struct {
	Interval uint64
}

// NewIntervalStrategy creates a strategy that snapshots every n commands.
// A zero interval never triggers.
func NewIntervalStrategy(n uint64) *IntervalStrategy {
	return &IntervalStrategy{Interval: n}
}

// ShouldSnapshot checks if we've passed the interval threshold.
func (s *IntervalStrategy) ShouldSnapshot(_, sinceLast uint64) bool {
	if s == nil || s.Interval == 0 {
		return false
	}
	return sinceLast >= s.Interval
}
