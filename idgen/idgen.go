// Package idgen provides the collision-resistant id generators
// collections and the history log use (spec §4.6, §9): a default
// monotonic ULID generator, and a random UUID alternative.
package idgen

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

// Generator produces a new id on each call. Implementations must be
// safe for concurrent use, matching the engine's single-threaded
// cooperative model (many in-flight callers, no shared-memory races).
type Generator func() (any, error)

// monotonicULID serializes ULID generation behind a mutex so that ids
// minted within the same millisecond are still strictly increasing,
// per oklog/ulid's monotonic entropy source contract.
type monotonicULID struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newMonotonicULID() *monotonicULID {
	return &monotonicULID{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (m *monotonicULID) next() (ulid.ULID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ulid.New(ulid.Timestamp(time.Now()), m.entropy)
}

var defaultULID = newMonotonicULID()

// ULID returns a Generator that mints lexicographically sortable,
// millisecond-monotonic ids — the engine's default id generator and
// the generator used for history log time ids.
func ULID() Generator {
	return func() (any, error) {
		id, err := defaultULID.next()
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	}
}

// NewTimeID mints a single ULID string directly, for callers (the
// history log) that don't need the Generator indirection.
func NewTimeID() (string, error) {
	id, err := defaultULID.next()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// UUID returns a Generator producing random (non-sortable) UUIDv4
// strings, the alternative to the default monotonic ULID generator.
func UUID() Generator {
	return func() (any, error) {
		return uuid.NewString(), nil
	}
}

// RandomTopic mints a UUID suitable for a scheduler's queue topic /
// idsIfUndelivered key (spec §4.9).
func RandomTopic() (string, error) {
	return uuid.NewString(), nil
}

// cryptoInt returns a random integer in [0, n) from crypto/rand, or 0
// when n <= 0 or the random source fails.
func cryptoInt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0
	}
	return v.Int64()
}
