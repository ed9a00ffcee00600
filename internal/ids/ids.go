package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier for role, permission and
// assignment rows.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewSessionID returns a random identifier for login sessions. Session ids are
// embedded in tokens and refresh credentials, so they must not be guessable
// from creation time.
func NewSessionID() string {
	return uuid.NewString()
}

// NewTokenID returns a unique jti for an access token.
func NewTokenID() string {
	return uuid.NewString()
}
