// Package idgen generates sortable identifiers for new entities.
package idgen

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator returns a new identifier for each call.
type Generator interface {
	NewID(at time.Time) (string, error)
}

// ULID generates lexicographically sortable ids. Ids generated within the
// same millisecond are strictly increasing. Safe for concurrent use.
type ULID struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewULID creates a generator reading entropy from crypto/rand.
func NewULID() *ULID {
	return NewULIDWithEntropy(rand.Reader)
}

// NewULIDWithEntropy creates a generator with a custom entropy source, for
// reproducible ids in tests.
func NewULIDWithEntropy(r io.Reader) *ULID {
	return &ULID{entropy: ulid.Monotonic(r, 0)}
}

// NewID returns a ULID timestamped at at.
func (g *ULID) NewID(at time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(at), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(at time.Time) (string, error)

func (f GeneratorFunc) NewID(at time.Time) (string, error) {
	return f(at)
}
