// Package idgen generates the opaque, time-sortable identifiers used for
// every persisted entity in the scheduler. IDs are 26-character Crockford
// base32 strings (ULID) so that lexicographic order equals creation order.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// mu serializes access to the monotonic entropy source. ulid.Monotonic is
// not safe for concurrent use, and the scheduler mints IDs from many
// goroutines (dispatch fan-out, reconciler callbacks, admin handlers).
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh 26-character time-sortable ID.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAt returns an ID whose embedded timestamp is t, useful for tests that
// need deterministic, ordered fixtures.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s parses as a well-formed identifier.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time returns the creation time encoded in id. It panics if id is malformed;
// callers that accept untrusted input should check Valid first.
func Time(id string) time.Time {
	parsed := ulid.MustParse(id)
	return ulid.Time(parsed.Time())
}

// Compare orders two IDs by creation time, then by entropy as a tie-break.
// Compare(a, b) < 0 iff a was minted before b.
func Compare(a, b string) int {
	pa, errA := ulid.ParseStrict(a)
	pb, errB := ulid.ParseStrict(b)
	if errA != nil || errB != nil {
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	}
	return pa.Compare(pb)
}
